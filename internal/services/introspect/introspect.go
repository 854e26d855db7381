package introspect

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
)

// Shape is the syntactic class of a presented credential, decided before any
// lookup so the dispatch is independently testable.
type Shape int

const (
	ShapeMalformed Shape = iota
	ShapeToken
	ShapeOpaqueKey
)

// Credential type tags reported to callers.
const (
	TypeAccess  = jwt.TypeAccess
	TypeRefresh = jwt.TypeRefresh
	TypeAPIKey  = "api_key"
)

// Result is what introspection reports. Every negative outcome is the zero
// value: Active false and nothing else populated, so a caller cannot tell a
// revoked credential from one that never existed.
type Result struct {
	Active  bool
	Subject string
	Type    string
	Scopes  []string
}

// Service classifies and validates an arbitrary presented credential across
// the token and API key namespaces. It is read-only: it never spends quota and
// never mutates token state.
type Service struct {
	logger    *slog.Logger
	tokens    RefreshTokenProvider
	keys      APIKeyProvider
	jwtSecret []byte
	now       func() time.Time
}

type RefreshTokenProvider interface {
	RefreshTokenByFingerprint(ctx context.Context, fingerprint string) (*models.RefreshToken, error)
}

type APIKeyProvider interface {
	ActiveKeyByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*models.APIKey, error)
}

// New returns a new instance of the introspection service.
func New(
	logger *slog.Logger,
	tokens RefreshTokenProvider,
	keys APIKeyProvider,
	jwtSecret []byte,
) *Service {
	return &Service{
		logger:    logger,
		tokens:    tokens,
		keys:      keys,
		jwtSecret: jwtSecret,
		now:       time.Now,
	}
}

// Classify trims the credential and decides its shape: three non-empty
// dot-separated segments look like a compact signed token, anything else
// non-empty is treated as an opaque key. The trimmed string is returned for
// dispatch.
func Classify(raw string) (Shape, string) {
	cred := strings.TrimSpace(raw)
	if cred == "" {
		return ShapeMalformed, ""
	}

	parts := strings.Split(cred, ".")
	if len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "" {
		return ShapeToken, cred
	}

	return ShapeOpaqueKey, cred
}

// Introspect reports whether a presented credential is currently usable.
//
// Access tokens are judged statelessly; refresh tokens must additionally be
// backed by an unrevoked, unexpired store record; anything else is tried as an
// API key by fingerprint. A token-shaped string that fails decoding falls
// through to the key path rather than erroring. Store failures surface as
// ErrInternal, never as "inactive".
func (s *Service) Introspect(ctx context.Context, raw string) (Result, error) {
	shape, cred := Classify(raw)

	switch shape {
	case ShapeMalformed:
		return Result{}, nil

	case ShapeToken:
		claims, err := jwt.Parse(cred, s.jwtSecret)
		if err != nil {
			// Not a valid token after all; try it as an opaque key.
			break
		}

		switch claims.TokenType {
		case jwt.TypeAccess:
			return Result{
				Active:  true,
				Subject: claims.Subject,
				Type:    TypeAccess,
			}, nil

		case jwt.TypeRefresh:
			return s.introspectRefresh(ctx, cred, claims)

		default:
			// Unknown type tag: fail closed.
			return Result{}, nil
		}
	}

	return s.introspectAPIKey(ctx, cred)
}

func (s *Service) introspectRefresh(ctx context.Context, cred string, claims *jwt.Claims) (Result, error) {
	const op = "introspect.introspectRefresh"
	log := s.logger.With(slog.String("op", op))

	record, err := s.tokens.RefreshTokenByFingerprint(ctx, secrets.Fingerprint(cred))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return Result{}, nil
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	// A revoked or expired refresh token must be indistinguishable from one
	// that was never issued.
	if record.Revoked() || record.Expired(s.now()) || record.UserID != claims.Subject {
		return Result{}, nil
	}

	return Result{
		Active:  true,
		Subject: claims.Subject,
		Type:    TypeRefresh,
	}, nil
}

func (s *Service) introspectAPIKey(ctx context.Context, cred string) (Result, error) {
	const op = "introspect.introspectAPIKey"
	log := s.logger.With(slog.String("op", op))

	key, err := s.keys.ActiveKeyByFingerprint(ctx, secrets.Fingerprint(cred), s.now())
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return Result{}, nil
		}
		log.Error("failed to get api key", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	return Result{
		Active:  true,
		Subject: key.UserID,
		Type:    TypeAPIKey,
		Scopes:  key.Scopes,
	}, nil
}
