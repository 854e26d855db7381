package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keygate/internal/domain/autherr"
	"keygate/internal/domain/models"
	"keygate/internal/lib/jwt"
	"keygate/internal/lib/secrets"
	"keygate/internal/lib/sl"
	"keygate/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// Auth owns registration, login, and the signed-token issuance and rotation
// state machine, including reuse detection on rotated-out refresh tokens.
type Auth struct {
	logger       *slog.Logger
	userSaver    UserSaver
	userProvider UserProvider
	tokenStore   RefreshTokenStore
	keyCreator   APIKeyCreator
	jwtSecret    []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	now          func() time.Time
}

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		email string,
		name string,
		passHash []byte,
	) (userID string, err error)
	SetDefaultAPIKey(ctx context.Context, userID, keyID string) error
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) (id string, err error)
	RefreshTokenByFingerprint(ctx context.Context, fingerprint string) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, fingerprint string, now time.Time) error
	MarkRefreshTokenRotated(ctx context.Context, id, replacedBy string, now time.Time) error
	RevokeAllUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error)
}

// APIKeyCreator provisions the default API key a registration hands out.
type APIKeyCreator interface {
	CreateDefault(ctx context.Context, userID string) (key *models.APIKey, plaintext string, err error)
}

// TokenPair is one issuance: a short-lived access token, a refresh token, and
// the store ID of the refresh record backing it.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	RefreshRecordID string
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokenStore RefreshTokenStore,
	keyCreator APIKeyCreator,
	jwtSecret []byte,
	accessTTL time.Duration,
	refreshTTL time.Duration,
) *Auth {
	return &Auth{
		logger:       logger,
		userSaver:    userSaver,
		userProvider: userProvider,
		tokenStore:   tokenStore,
		keyCreator:   keyCreator,
		jwtSecret:    jwtSecret,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
		now:          time.Now,
	}
}

// Register creates a user, provisions their default API key, and issues the
// first token pair. The API key plaintext is returned exactly once.
func (a *Auth) Register(
	ctx context.Context,
	email string,
	name string,
	password string,
) (user *models.User, apiKey string, pair *TokenPair, err error) {
	const op = "auth.Register"
	log := a.logger.With(slog.String("op", op))

	email = normalizeEmail(email)
	name = strings.TrimSpace(name)

	if email == "" {
		return nil, "", nil, autherr.Validationf("email is required")
	}
	if name == "" {
		return nil, "", nil, autherr.Validationf("name is required")
	}
	if password == "" {
		return nil, "", nil, autherr.Validationf("password is required")
	}
	if len(password) < minPasswordLen {
		return nil, "", nil, autherr.Validationf("password must be at least %d chars", minPasswordLen)
	}

	log.Info("register request", slog.String("email", email))

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return nil, "", nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	userID, err := a.userSaver.SaveUser(ctx, email, name, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			log.Warn("user already exists", sl.Err(err))
			return nil, "", nil, fmt.Errorf("%s: %w", op, autherr.ErrConflict)
		}
		log.Error("failed to save user", sl.Err(err))
		return nil, "", nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	key, apiKeyPlain, err := a.keyCreator.CreateDefault(ctx, userID)
	if err != nil {
		log.Error("failed to create default api key", sl.Err(err))
		return nil, "", nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.userSaver.SetDefaultAPIKey(ctx, userID, key.ID); err != nil {
		log.Error("failed to set default api key", sl.Err(err))
		return nil, "", nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	pair, err = a.IssueTokens(ctx, userID)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, "", nil, fmt.Errorf("%s: %w", op, err)
	}

	registered, err := a.userProvider.UserByID(ctx, userID)
	if err != nil {
		log.Error("failed to get registered user", sl.Err(err))
		return nil, "", nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	log.Info("user registered", slog.String("userID", userID))

	return registered, apiKeyPlain, pair, nil
}

// Login authenticates a user and issues a fresh token pair. Unknown email and
// wrong password are not distinguished.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (*TokenPair, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))

	email = normalizeEmail(email)
	if email == "" {
		return nil, autherr.Validationf("email is required")
	}
	if password == "" {
		return nil, autherr.Validationf("password is required")
	}

	log.Info("login request", slog.String("email", email))

	user, err := a.userProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password")
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	pair, err := a.IssueTokens(ctx, user.ID)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.String("userID", user.ID))

	return pair, nil
}

// IssueTokens mints an access/refresh pair for the user and persists the
// active refresh record keyed by the refresh token's fingerprint.
func (a *Auth) IssueTokens(ctx context.Context, userID string) (*TokenPair, error) {
	const op = "auth.IssueTokens"

	now := a.now()

	accessClaims := jwt.NewAccessClaims(userID, now, a.accessTTL)
	refreshClaims, jti := jwt.NewRefreshClaims(userID, now, a.refreshTTL)

	accessToken, err := jwt.Sign(accessClaims, a.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	refreshToken, err := jwt.Sign(refreshClaims, a.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	recordID, err := a.tokenStore.SaveRefreshToken(ctx, &models.RefreshToken{
		UserID:      userID,
		JTI:         jti,
		Fingerprint: secrets.Fingerprint(refreshToken),
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	return &TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		RefreshRecordID: recordID,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked, linked
// forward to its replacement, and a new pair is issued.
//
// Presenting an already-rotated token is treated as reuse of a stolen token:
// every still-active refresh record of that user is revoked before the
// unauthorized error is returned.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))

	if refreshToken == "" {
		return nil, autherr.Validationf("refresh_token is required")
	}

	log.Info("refresh request")

	claims, err := jwt.Parse(refreshToken, a.jwtSecret)
	if err != nil {
		log.Warn("invalid refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}
	if claims.TokenType != jwt.TypeRefresh {
		log.Warn("token is not a refresh token")
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	record, err := a.tokenStore.RefreshTokenByFingerprint(ctx, secrets.Fingerprint(refreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	if claims.Subject != record.UserID {
		log.Warn("refresh token subject mismatch")
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	if record.Expired(a.now()) {
		log.Warn("refresh token expired")
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	if record.Revoked() {
		// Reuse of a rotated-out token: kill the whole session family. The
		// revocation must land before the caller sees the rejection.
		revoked, err := a.tokenStore.RevokeAllUserRefreshTokens(ctx, record.UserID, a.now())
		if err != nil {
			log.Error("failed to revoke token family", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}
		log.Warn("refresh token reuse detected, session family revoked",
			slog.String("userID", record.UserID),
			slog.Int64("revoked", revoked),
		)
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	pair, err := a.IssueTokens(ctx, record.UserID)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.tokenStore.MarkRefreshTokenRotated(ctx, record.ID, pair.RefreshRecordID, a.now()); err != nil {
		log.Error("failed to mark token rotated", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	log.Info("tokens refreshed", slog.String("userID", record.UserID))

	return pair, nil
}

// Logout revokes the presented refresh token. It is idempotent: an unknown or
// already-revoked token is not an error, so callers cannot probe existence.
func (a *Auth) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op))

	if refreshToken == "" {
		return autherr.Validationf("refresh_token is required")
	}

	if err := a.tokenStore.RevokeRefreshToken(ctx, secrets.Fingerprint(refreshToken), a.now()); err != nil {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	log.Info("refresh token revoked")

	return nil
}

// VerifyAccess statelessly validates an access token: signature and expiry
// only. Any defect, including a refresh token presented as access, yields the
// same unauthorized error.
func (a *Auth) VerifyAccess(_ context.Context, token string) (*jwt.Claims, error) {
	const op = "auth.VerifyAccess"

	claims, err := jwt.Parse(token, a.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}
	if claims.TokenType != jwt.TypeAccess {
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	return claims, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
