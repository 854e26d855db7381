package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"keygate/internal/domain/autherr"
	"keygate/internal/domain/models"
	"keygate/internal/lib/jwt"
	"keygate/internal/lib/secrets"
	"keygate/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-jwt-secret")

type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*models.User         // by id
	emails  map[string]string               // email -> id
	tokens  map[string]*models.RefreshToken // by fingerprint
	nextID  int
	created []string // key ids handed to SetDefaultAPIKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*models.User),
		emails: make(map[string]string),
		tokens: make(map[string]*models.RefreshToken),
	}
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func (s *fakeStore) SaveUser(_ context.Context, email, name string, passHash []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[email]; ok {
		return "", storage.ErrUserAlreadyExists
	}

	id := s.id("user-")
	s.users[id] = &models.User{
		ID:        id,
		Email:     email,
		Name:      name,
		PassHash:  passHash,
		CreatedAt: time.Now(),
	}
	s.emails[email] = id

	return id, nil
}

func (s *fakeStore) SetDefaultAPIKey(_ context.Context, userID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	user.DefaultAPIKeyID = &keyID
	s.created = append(s.created, keyID)

	return nil
}

func (s *fakeStore) UserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *s.users[id]
	return &u, nil
}

func (s *fakeStore) UserByID(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (s *fakeStore) SaveRefreshToken(_ context.Context, token *models.RefreshToken) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *token
	rec.ID = s.id("token-")
	s.tokens[rec.Fingerprint] = &rec

	return rec.ID, nil
}

func (s *fakeStore) RefreshTokenByFingerprint(_ context.Context, fingerprint string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[fingerprint]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) RevokeRefreshToken(_ context.Context, fingerprint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[fingerprint]
	if ok && rec.RevokedAt == nil {
		at := now
		rec.RevokedAt = &at
	}

	return nil
}

func (s *fakeStore) MarkRefreshTokenRotated(_ context.Context, id, replacedBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.tokens {
		if rec.ID == id && rec.RevokedAt == nil {
			at := now
			rec.RevokedAt = &at
			rb := replacedBy
			rec.ReplacedBy = &rb
		}
	}

	return nil
}

func (s *fakeStore) RevokeAllUserRefreshTokens(_ context.Context, userID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, rec := range s.tokens {
		if rec.UserID == userID && rec.RevokedAt == nil {
			at := now
			rec.RevokedAt = &at
			revoked++
		}
	}

	return revoked, nil
}

func (s *fakeStore) activeTokenCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, rec := range s.tokens {
		if rec.UserID == userID && rec.RevokedAt == nil {
			n++
		}
	}
	return n
}

type fakeKeyCreator struct{}

func (fakeKeyCreator) CreateDefault(_ context.Context, userID string) (*models.APIKey, string, error) {
	plaintext, err := secrets.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	return &models.APIKey{
		ID:          "key-" + userID,
		UserID:      userID,
		Fingerprint: secrets.Fingerprint(plaintext),
		Active:      true,
	}, plaintext, nil
}

func newTestAuth(store *fakeStore) *Auth {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, store, store, store, fakeKeyCreator{}, testSecret, 15*time.Minute, 30*24*time.Hour)
}

func register(t *testing.T, a *Auth) (*models.User, string, *TokenPair) {
	t.Helper()

	user, apiKey, pair, err := a.Register(context.Background(),
		gofakeit.Email(), gofakeit.Name(), gofakeit.Password(true, true, true, false, false, 12))
	require.NoError(t, err)

	return user, apiKey, pair
}

func TestRegister(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	user, apiKey, pair, err := a.Register(context.Background(), "  A@X.Com ", "Alice", "longenough1")
	require.NoError(t, err)

	assert.Equal(t, "a@x.com", user.Email)
	assert.Regexp(t, "^[0-9a-f]{64}$", apiKey)
	require.NotNil(t, user.DefaultAPIKeyID)

	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEmpty(t, pair.RefreshRecordID)

	claims, err := jwt.Parse(pair.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, jwt.TypeAccess, claims.TokenType)
	assert.Equal(t, user.ID, claims.Subject)

	refreshClaims, err := jwt.Parse(pair.RefreshToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, jwt.TypeRefresh, refreshClaims.TokenType)
	assert.NotEmpty(t, refreshClaims.ID)
}

func TestRegister_Validation(t *testing.T) {
	a := newTestAuth(newFakeStore())

	tests := []struct {
		name     string
		email    string
		userName string
		password string
	}{
		{"empty email", "", "Alice", "longenough1"},
		{"empty name", "a@x.com", "", "longenough1"},
		{"empty password", "a@x.com", "Alice", ""},
		{"short password", "a@x.com", "Alice", "short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := a.Register(context.Background(), tt.email, tt.userName, tt.password)
			require.ErrorIs(t, err, autherr.ErrValidation)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	a := newTestAuth(newFakeStore())

	_, _, _, err := a.Register(context.Background(), "a@x.com", "Alice", "longenough1")
	require.NoError(t, err)

	_, _, _, err = a.Register(context.Background(), "a@x.com", "Alice", "longenough1")
	require.ErrorIs(t, err, autherr.ErrConflict)
}

func TestLogin(t *testing.T) {
	a := newTestAuth(newFakeStore())

	_, _, _, err := a.Register(context.Background(), "a@x.com", "Alice", "longenough1")
	require.NoError(t, err)

	pair, err := a.Login(context.Background(), "a@x.com", "longenough1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	_, err = a.Login(context.Background(), "a@x.com", "wrongpassword")
	require.ErrorIs(t, err, autherr.ErrUnauthorized)

	_, err = a.Login(context.Background(), "nobody@x.com", "longenough1")
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestLogin_LeavesOtherSessionsAlone(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	_, _, pair1, err := a.Register(context.Background(), "a@x.com", "Alice", "longenough1")
	require.NoError(t, err)

	pair2, err := a.Login(context.Background(), "a@x.com", "longenough1")
	require.NoError(t, err)
	require.NotEqual(t, pair1.RefreshToken, pair2.RefreshToken)

	// The registration pair is still independently valid after login.
	_, err = a.Refresh(context.Background(), pair1.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_Rotation(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	user, _, pair1 := register(t, a)

	pair2, err := a.Refresh(context.Background(), pair1.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair1.RefreshToken, pair2.RefreshToken)

	// The presented record is revoked and linked forward.
	old, err := store.RefreshTokenByFingerprint(context.Background(), secrets.Fingerprint(pair1.RefreshToken))
	require.NoError(t, err)
	assert.True(t, old.Revoked())
	require.NotNil(t, old.ReplacedBy)
	assert.Equal(t, pair2.RefreshRecordID, *old.ReplacedBy)

	assert.Equal(t, 1, store.activeTokenCount(user.ID))
}

func TestRefresh_ReuseRevokesFamily(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	user, _, pair1 := register(t, a)

	pair2, err := a.Refresh(context.Background(), pair1.RefreshToken)
	require.NoError(t, err)

	// Replay of the rotated-out token: unauthorized, and the whole family dies.
	_, err = a.Refresh(context.Background(), pair1.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
	assert.Equal(t, 0, store.activeTokenCount(user.ID))

	// The replacement is dead too.
	_, err = a.Refresh(context.Background(), pair2.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	a := newTestAuth(newFakeStore())

	_, _, pair := register(t, a)

	_, err := a.Refresh(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestRefresh_UnknownToken(t *testing.T) {
	a := newTestAuth(newFakeStore())

	// Signed correctly but never persisted.
	claims, _ := jwt.NewRefreshClaims("user-ghost", time.Now(), time.Hour)
	token, err := jwt.Sign(claims, testSecret)
	require.NoError(t, err)

	_, err = a.Refresh(context.Background(), token)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestRefresh_SubjectMismatch(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	_, _, pair := register(t, a)

	store.mu.Lock()
	store.tokens[secrets.Fingerprint(pair.RefreshToken)].UserID = "someone-else"
	store.mu.Unlock()

	_, err := a.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestRefresh_StoredExpiry(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	_, _, pair := register(t, a)

	// The signed token is still valid; only the stored record has expired.
	store.mu.Lock()
	store.tokens[secrets.Fingerprint(pair.RefreshToken)].ExpiresAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	_, err := a.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestLogout_Idempotent(t *testing.T) {
	store := newFakeStore()
	a := newTestAuth(store)

	user, _, pair := register(t, a)

	require.NoError(t, a.Logout(context.Background(), pair.RefreshToken))
	assert.Equal(t, 0, store.activeTokenCount(user.ID))

	// Repeating, and logging out garbage, are not errors.
	require.NoError(t, a.Logout(context.Background(), pair.RefreshToken))
	require.NoError(t, a.Logout(context.Background(), "no-such-token"))

	_, err := a.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestVerifyAccess(t *testing.T) {
	a := newTestAuth(newFakeStore())

	user, _, pair := register(t, a)

	claims, err := a.VerifyAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)

	// A refresh token is not an access token.
	_, err = a.VerifyAccess(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)

	_, err = a.VerifyAccess(context.Background(), "garbage")
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}
