package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefreshTokenExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token := RefreshToken{ExpiresAt: now.Add(time.Hour)}

	assert.False(t, token.Expired(now))
	assert.False(t, token.Expired(now.Add(time.Hour)))
	assert.True(t, token.Expired(now.Add(time.Hour+time.Second)))
}

func TestRefreshTokenRevoked(t *testing.T) {
	token := RefreshToken{}
	assert.False(t, token.Revoked())

	at := time.Now()
	token.RevokedAt = &at
	assert.True(t, token.Revoked())
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	noExpiry := APIKey{}
	assert.False(t, noExpiry.Expired(now))

	expiry := now.Add(time.Minute)
	key := APIKey{ExpiresAt: &expiry}
	assert.False(t, key.Expired(now))
	assert.True(t, key.Expired(now.Add(2*time.Minute)))
}

func TestMinuteBucketAt(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, at.Unix()/60, MinuteBucketAt(at))
	// Same bucket for the whole minute.
	assert.Equal(t, MinuteBucketAt(at), MinuteBucketAt(at.Add(54*time.Second)))
	assert.Equal(t, MinuteBucketAt(at)+1, MinuteBucketAt(at.Add(55*time.Second)))
}

func TestDayBucketAt(t *testing.T) {
	assert.Equal(t, int32(20240102), DayBucketAt(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	// Day boundary is UTC, not local.
	late := time.Date(2024, 1, 2, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))
	assert.Equal(t, int32(20240102), DayBucketAt(late))

	early := time.Date(2024, 1, 2, 1, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))
	assert.Equal(t, int32(20240101), DayBucketAt(early))
}
