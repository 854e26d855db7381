package tests

import (
	"testing"

	"keygate/internal/domain/autherr"
	"keygate/internal/services/introspect"
	"keygate/tests/suite"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyVerifyAndReveal(t *testing.T) {
	ctx, st := suite.New(t)

	user, plaintext, _, err := st.App.Auth.Register(ctx, gofakeit.Email(), gofakeit.Name(), randomPassword())
	require.NoError(t, err)

	key, err := st.App.Keys.Verify(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, user.ID, key.UserID)
	assert.Equal(t, []string{"api"}, key.Scopes)

	revealed, err := st.App.Keys.Reveal(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, revealed)

	_, err = st.App.Keys.Verify(ctx, "deadbeef")
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestAPIKeyRotate(t *testing.T) {
	ctx, st := suite.New(t)

	user, oldPlaintext, _, err := st.App.Auth.Register(ctx, gofakeit.Email(), gofakeit.Name(), randomPassword())
	require.NoError(t, err)

	newPlaintext, err := st.App.Keys.Rotate(ctx, user.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldPlaintext, newPlaintext)

	_, err = st.App.Keys.Verify(ctx, oldPlaintext)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)

	key, err := st.App.Keys.Verify(ctx, newPlaintext)
	require.NoError(t, err)
	assert.Equal(t, user.ID, key.UserID)

	revealed, err := st.App.Keys.Reveal(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, newPlaintext, revealed)
}

func TestAPIKeyQuotaCeiling(t *testing.T) {
	ctx, st := suite.New(t)

	user, _, _, err := st.App.Auth.Register(ctx, gofakeit.Email(), gofakeit.Name(), randomPassword())
	require.NoError(t, err)

	const perMinute = 3
	_, plaintext, err := st.App.Keys.Create(ctx, user.ID, "metered", []string{"api"}, perMinute, 1000)
	require.NoError(t, err)

	for i := 0; i < perMinute; i++ {
		key, err := st.App.Keys.Consume(ctx, plaintext)
		require.NoError(t, err)
		assert.EqualValues(t, i+1, key.UsedMinute)
	}

	_, err = st.App.Keys.Consume(ctx, plaintext)
	require.ErrorIs(t, err, autherr.ErrTooManyRequests)

	// Verify and introspection read without moving counters, so a key pinned
	// at its ceiling still authenticates.
	key, err := st.App.Keys.Verify(ctx, plaintext)
	require.NoError(t, err)
	assert.EqualValues(t, perMinute, key.UsedMinute)

	res, err := st.App.Introspect.Introspect(ctx, plaintext)
	require.NoError(t, err)
	assert.True(t, res.Active)
	assert.Equal(t, introspect.TypeAPIKey, res.Type)

	_, err = st.App.Keys.Consume(ctx, plaintext)
	require.ErrorIs(t, err, autherr.ErrTooManyRequests)
}

func TestAPIKeyConsumeUnknownKey(t *testing.T) {
	ctx, st := suite.New(t)

	_, err := st.App.Keys.Consume(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}
