package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/domain/autherr"
	"keygate/internal/domain/models"
	"keygate/internal/lib/secrets"
	"keygate/internal/lib/sl"
	"keygate/internal/storage"
)

// maxSecretAttempts bounds the regenerate-on-fingerprint-collision loop for
// create and rotate. A collision is astronomically rare; the bound exists so a
// broken store cannot spin the loop forever.
const maxSecretAttempts = 5

const defaultKeyName = "Default"

// Keys owns the API key lifecycle (generation, encrypted-at-rest storage,
// fingerprint verification, rotation) and the quota engine that meters key use.
type Keys struct {
	logger    *slog.Logger
	store     KeyStore
	users     UserProvider
	cipher    *secrets.Cipher
	perMinute int32
	perDay    int64
	scopes    []string
	now       func() time.Time
}

type KeyStore interface {
	SaveAPIKey(ctx context.Context, key *models.APIKey) (id string, err error)
	APIKeyByID(ctx context.Context, id, userID string) (*models.APIKey, error)
	APIKeyByFingerprint(ctx context.Context, fingerprint string) (*models.APIKey, error)
	ActiveKeyByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*models.APIKey, error)
	ReplaceAPIKeySecret(ctx context.Context, id, userID, fingerprint string, ciphertext, nonce []byte) error
	ConsumeQuota(ctx context.Context, fingerprint string, now time.Time, minuteBucket int64, dayBucket int32) (*models.APIKey, error)
}

type UserProvider interface {
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

// New returns a new instance of the Keys service. perMinute and perDay are the
// ceilings stamped onto newly created default keys.
func New(
	logger *slog.Logger,
	store KeyStore,
	users UserProvider,
	cipher *secrets.Cipher,
	perMinute int32,
	perDay int64,
) *Keys {
	return &Keys{
		logger:    logger,
		store:     store,
		users:     users,
		cipher:    cipher,
		perMinute: perMinute,
		perDay:    perDay,
		scopes:    []string{"api"},
		now:       time.Now,
	}
}

// CreateDefault provisions the default key a registration hands out.
func (k *Keys) CreateDefault(ctx context.Context, userID string) (*models.APIKey, string, error) {
	return k.Create(ctx, userID, defaultKeyName, k.scopes, k.perMinute, k.perDay)
}

// Create generates a fresh secret, stores its fingerprint and sealed copy, and
// returns the record together with the plaintext. The plaintext is never
// stored and never retrievable through the verification path again.
func (k *Keys) Create(
	ctx context.Context,
	userID string,
	name string,
	scopes []string,
	perMinute int32,
	perDay int64,
) (*models.APIKey, string, error) {
	const op = "apikey.Create"
	log := k.logger.With(slog.String("op", op), slog.String("userID", userID))

	for attempt := 0; attempt < maxSecretAttempts; attempt++ {
		plaintext, err := secrets.GenerateAPIKey()
		if err != nil {
			log.Error("failed to generate api key", sl.Err(err))
			return nil, "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}

		ciphertext, nonce, err := k.cipher.Seal(plaintext)
		if err != nil {
			log.Error("failed to seal api key", sl.Err(err))
			return nil, "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}

		now := k.now()
		key := &models.APIKey{
			UserID:      userID,
			Name:        name,
			Fingerprint: secrets.Fingerprint(plaintext),
			Ciphertext:  ciphertext,
			Nonce:       nonce,

			Active: true,
			Scopes: scopes,

			RequestsPerMinute: perMinute,
			RequestsPerDay:    perDay,

			// Bucket ids start at the never-set sentinel; the first consume
			// claims the current window and resets nothing.
			MinuteBucket: 0,
			UsedMinute:   0,
			DayBucket:    0,
			UsedDay:      0,

			CreatedAt:  now,
			LastUsedAt: now,
		}

		id, err := k.store.SaveAPIKey(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrAPIKeyExists) {
				log.Warn("api key fingerprint collision, retrying",
					slog.Int("attempt", attempt+1))
				continue
			}
			log.Error("failed to save api key", sl.Err(err))
			return nil, "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}

		key.ID = id
		log.Info("api key created", slog.String("keyID", id))

		return key, plaintext, nil
	}

	log.Error("api key creation retry budget exhausted")

	return nil, "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
}

// Verify authenticates a presented plaintext key by fingerprint equality. It
// never decrypts stored ciphertext, so failures carry no timing signal tied to
// AEAD cost. Absent, inactive and expired keys are not distinguished.
func (k *Keys) Verify(ctx context.Context, plaintext string) (*models.APIKey, error) {
	const op = "apikey.Verify"
	log := k.logger.With(slog.String("op", op))

	key, err := k.store.APIKeyByFingerprint(ctx, secrets.Fingerprint(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
		}
		log.Error("failed to get api key", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	if !key.Active || key.Expired(k.now()) {
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
	}

	return key, nil
}

// Consume verifies a presented key AND spends one unit of its minute and day
// quotas in a single atomic store operation. It is the only code path that
// mutates usage counters.
//
// The atomic update cannot report why it declined, so a miss is followed by a
// read-only probe: a key that is alive but over ceiling yields
// ErrTooManyRequests, anything else yields ErrUnauthorized.
func (k *Keys) Consume(ctx context.Context, plaintext string) (*models.APIKey, error) {
	const op = "apikey.Consume"
	log := k.logger.With(slog.String("op", op))

	fingerprint := secrets.Fingerprint(plaintext)
	now := k.now()

	key, err := k.store.ConsumeQuota(ctx, fingerprint, now,
		models.MinuteBucketAt(now), models.DayBucketAt(now))
	if err == nil {
		return key, nil
	}

	if !errors.Is(err, storage.ErrNoQuotaMatch) {
		log.Error("quota consume failed", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	// Same captured now for the probe, so both phases judge expiry at the
	// same instant.
	_, err = k.store.ActiveKeyByFingerprint(ctx, fingerprint, now)
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", op, autherr.ErrUnauthorized)
		}
		log.Error("quota probe failed", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	log.Warn("api key quota exhausted")

	return nil, fmt.Errorf("%s: %w", op, autherr.ErrTooManyRequests)
}

// Reveal decrypts and returns the plaintext of the caller's own default key.
// A missing key is ErrNotFound; a ciphertext that fails authentication is an
// integrity fault and surfaces as ErrInternal, because the caller has already
// been authenticated and the failure implies tampering or a key-management
// fault on our side.
func (k *Keys) Reveal(ctx context.Context, userID string) (string, error) {
	const op = "apikey.Reveal"
	log := k.logger.With(slog.String("op", op), slog.String("userID", userID))

	key, err := k.defaultKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	plaintext, err := k.cipher.Open(key.Ciphertext, key.Nonce)
	if err != nil {
		log.Error("api key ciphertext failed authentication", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
	}

	return plaintext, nil
}

// Rotate replaces the secret of the caller's default key: new fingerprint,
// ciphertext and nonce land in one conditional update, so the old plaintext
// stops verifying the instant the write lands. Scopes, ceilings and usage
// counters are preserved; rotation changes the secret's identity, not the
// key's history.
func (k *Keys) Rotate(ctx context.Context, userID string) (string, error) {
	const op = "apikey.Rotate"
	log := k.logger.With(slog.String("op", op), slog.String("userID", userID))

	key, err := k.defaultKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < maxSecretAttempts; attempt++ {
		plaintext, err := secrets.GenerateAPIKey()
		if err != nil {
			log.Error("failed to generate api key", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}

		ciphertext, nonce, err := k.cipher.Seal(plaintext)
		if err != nil {
			log.Error("failed to seal api key", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}

		err = k.store.ReplaceAPIKeySecret(ctx, key.ID, userID,
			secrets.Fingerprint(plaintext), ciphertext, nonce)
		if err != nil {
			if errors.Is(err, storage.ErrAPIKeyExists) {
				log.Warn("api key fingerprint collision, retrying",
					slog.Int("attempt", attempt+1))
				continue
			}
			if errors.Is(err, storage.ErrAPIKeyNotFound) {
				return "", fmt.Errorf("%s: %w", op, autherr.ErrNotFound)
			}
			log.Error("failed to replace api key secret", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
		}

		log.Info("api key rotated", slog.String("keyID", key.ID))

		return plaintext, nil
	}

	log.Error("api key rotation retry budget exhausted")

	return "", fmt.Errorf("%s: %w", op, autherr.ErrInternal)
}

// defaultKey resolves the caller's default key record.
func (k *Keys) defaultKey(ctx context.Context, userID string) (*models.APIKey, error) {
	log := k.logger.With(slog.String("userID", userID))

	user, err := k.users.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, autherr.ErrUnauthorized
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, autherr.ErrInternal
	}

	if user.DefaultAPIKeyID == nil {
		return nil, autherr.ErrNotFound
	}

	key, err := k.store.APIKeyByID(ctx, *user.DefaultAPIKeyID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, autherr.ErrNotFound
		}
		log.Error("failed to get api key", sl.Err(err))
		return nil, autherr.ErrInternal
	}

	return key, nil
}
