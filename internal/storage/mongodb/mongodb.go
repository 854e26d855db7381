package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keygate/internal/domain/models"
	"keygate/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	tokens   *mongo.Collection
	keys     *mongo.Collection
}

type userDoc struct {
	ID              bson.ObjectID  `bson:"_id"`
	Email           string         `bson:"email"`
	Name            string         `bson:"name"`
	PassHash        []byte         `bson:"pass_hash"`
	CreatedAt       time.Time      `bson:"created_at"`
	DefaultAPIKeyID *bson.ObjectID `bson:"default_api_key_id,omitempty"`
}

type refreshTokenDoc struct {
	ID          bson.ObjectID  `bson:"_id"`
	UserID      bson.ObjectID  `bson:"user_id"`
	JTI         string         `bson:"jti"`
	Fingerprint string         `bson:"fingerprint"`
	CreatedAt   time.Time      `bson:"created_at"`
	ExpiresAt   time.Time      `bson:"expires_at"`
	RevokedAt   *time.Time     `bson:"revoked_at,omitempty"`
	ReplacedBy  *bson.ObjectID `bson:"replaced_by,omitempty"`
}

type apiKeyDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	UserID      bson.ObjectID `bson:"user_id"`
	Name        string        `bson:"name"`
	Fingerprint string        `bson:"fingerprint"`
	Ciphertext  []byte        `bson:"ciphertext"`
	Nonce       []byte        `bson:"nonce"`

	Active    bool       `bson:"active"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`

	Scopes []string `bson:"scopes"`

	RequestsPerMinute int32 `bson:"requests_per_minute"`
	RequestsPerDay    int64 `bson:"requests_per_day"`

	MinuteBucket int64 `bson:"minute_bucket"`
	UsedMinute   int32 `bson:"requests_used_minute"`
	DayBucket    int32 `bson:"usage_day"`
	UsedDay      int64 `bson:"requests_used_today"`

	CreatedAt  time.Time `bson:"created_at"`
	LastUsedAt time.Time `bson:"last_used_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		tokens:   db.Collection("refresh_tokens"),
		keys:     db.Collection("api_keys"),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

// EnsureIndexes creates the uniqueness and lookup indexes the credential model
// depends on. It is idempotent.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	// users.email unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// refresh_tokens.fingerprint unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "fingerprint", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.fingerprint index: %w", err)
	}

	// refresh_tokens.jti unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "jti", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.jti index: %w", err)
	}

	// api_keys.fingerprint unique
	_, err = s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "fingerprint", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("api_keys.fingerprint index: %w", err)
	}

	// api_keys (user_id, active, expires_at) for default-key resolution
	_, err = s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "active", Value: 1},
			{Key: "expires_at", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("api_keys.user_id index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveUser saves a new user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, email, name string, passHash []byte) (string, error) {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:        bson.NewObjectID(),
		Email:     email,
		Name:      name,
		PassHash:  passHash,
		CreatedAt: time.Now(),
	}

	_, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return doc.ID.Hex(), nil
}

// UserByEmail retrieves a user by normalized email.
func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.UserByEmail"

	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return userFromDoc(&doc), nil
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"

	oid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	var doc userDoc
	err = s.users.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return userFromDoc(&doc), nil
}

// SetDefaultAPIKey points the user record at its default API key.
func (s *Storage) SetDefaultAPIKey(ctx context.Context, userID, keyID string) error {
	const op = "storage.mongodb.SetDefaultAPIKey"

	uid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	kid, err := bson.ObjectIDFromHex(keyID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
	}

	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: uid}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "default_api_key_id", Value: kid}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

// SaveRefreshToken stores a new active refresh token record and returns its ID.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) (string, error) {
	const op = "storage.mongodb.SaveRefreshToken"

	uid, err := bson.ObjectIDFromHex(token.UserID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	doc := refreshTokenDoc{
		ID:          bson.NewObjectID(),
		UserID:      uid,
		JTI:         token.JTI,
		Fingerprint: token.Fingerprint,
		CreatedAt:   token.CreatedAt,
		ExpiresAt:   token.ExpiresAt,
	}

	_, err = s.tokens.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return doc.ID.Hex(), nil
}

// RefreshTokenByFingerprint retrieves a refresh token record by its fingerprint.
func (s *Storage) RefreshTokenByFingerprint(ctx context.Context, fingerprint string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshTokenByFingerprint"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "fingerprint", Value: fingerprint}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return refreshTokenFromDoc(&doc), nil
}

// RevokeRefreshToken marks the record with the given fingerprint revoked. The
// update only fires while revoked_at is unset, so repeating it, or racing it,
// is a no-op; an unknown fingerprint is also not an error.
func (s *Storage) RevokeRefreshToken(ctx context.Context, fingerprint string, now time.Time) error {
	const op = "storage.mongodb.RevokeRefreshToken"

	_, err := s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "fingerprint", Value: fingerprint},
			{Key: "revoked_at", Value: nil},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: now}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// MarkRefreshTokenRotated revokes the record by ID and links it forward to the
// record that superseded it. Set-if-unset: an already-revoked record is left
// untouched.
func (s *Storage) MarkRefreshTokenRotated(ctx context.Context, id, replacedBy string, now time.Time) error {
	const op = "storage.mongodb.MarkRefreshTokenRotated"

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}
	rid, err := bson.ObjectIDFromHex(replacedBy)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	_, err = s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: oid},
			{Key: "revoked_at", Value: nil},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked_at", Value: now},
			{Key: "replaced_by", Value: rid},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RevokeAllUserRefreshTokens revokes every still-active refresh token of a
// user and returns how many records it touched.
func (s *Storage) RevokeAllUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	const op = "storage.mongodb.RevokeAllUserRefreshTokens"

	uid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	res, err := s.tokens.UpdateMany(ctx,
		bson.D{
			{Key: "user_id", Value: uid},
			{Key: "revoked_at", Value: nil},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: now}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount, nil
}

// SaveAPIKey inserts a new API key record and returns its ID. A fingerprint
// collision with an existing record maps to storage.ErrAPIKeyExists so the
// caller can retry with a fresh secret.
func (s *Storage) SaveAPIKey(ctx context.Context, key *models.APIKey) (string, error) {
	const op = "storage.mongodb.SaveAPIKey"

	uid, err := bson.ObjectIDFromHex(key.UserID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	doc := apiKeyDoc{
		ID:          bson.NewObjectID(),
		UserID:      uid,
		Name:        key.Name,
		Fingerprint: key.Fingerprint,
		Ciphertext:  key.Ciphertext,
		Nonce:       key.Nonce,

		Active:    key.Active,
		ExpiresAt: key.ExpiresAt,

		Scopes: key.Scopes,

		RequestsPerMinute: key.RequestsPerMinute,
		RequestsPerDay:    key.RequestsPerDay,

		MinuteBucket: key.MinuteBucket,
		UsedMinute:   key.UsedMinute,
		DayBucket:    key.DayBucket,
		UsedDay:      key.UsedDay,

		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
	}

	_, err = s.keys.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrAPIKeyExists)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return doc.ID.Hex(), nil
}

// APIKeyByID retrieves one of the user's API keys by record ID.
func (s *Storage) APIKeyByID(ctx context.Context, id, userID string) (*models.APIKey, error) {
	const op = "storage.mongodb.APIKeyByID"

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
	}
	uid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
	}

	var doc apiKeyDoc
	err = s.keys.FindOne(ctx, bson.D{
		{Key: "_id", Value: oid},
		{Key: "user_id", Value: uid},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return apiKeyFromDoc(&doc), nil
}

// APIKeyByFingerprint retrieves an API key record by fingerprint, regardless
// of its active flag or expiry.
func (s *Storage) APIKeyByFingerprint(ctx context.Context, fingerprint string) (*models.APIKey, error) {
	const op = "storage.mongodb.APIKeyByFingerprint"

	var doc apiKeyDoc
	err := s.keys.FindOne(ctx, bson.D{{Key: "fingerprint", Value: fingerprint}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return apiKeyFromDoc(&doc), nil
}

// ActiveKeyByFingerprint retrieves an API key that is active and unexpired at
// now, ignoring quota state. It never mutates counters; the quota engine uses
// it as the read-only probe that tells quota exhaustion apart from a missing
// or disabled key.
func (s *Storage) ActiveKeyByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*models.APIKey, error) {
	const op = "storage.mongodb.ActiveKeyByFingerprint"

	var doc apiKeyDoc
	err := s.keys.FindOne(ctx, bson.D{
		{Key: "fingerprint", Value: fingerprint},
		{Key: "active", Value: true},
		{Key: "$or", Value: notExpiredClauses(now)},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return apiKeyFromDoc(&doc), nil
}

// ReplaceAPIKeySecret swaps the secret-bearing fields of a key record in one
// conditional update, invalidating the previous plaintext the moment the write
// lands. Ceilings, scopes, counters and history are untouched.
func (s *Storage) ReplaceAPIKeySecret(ctx context.Context, id, userID, fingerprint string, ciphertext, nonce []byte) error {
	const op = "storage.mongodb.ReplaceAPIKeySecret"

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
	}
	uid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
	}

	res, err := s.keys.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: oid},
			{Key: "user_id", Value: uid},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "fingerprint", Value: fingerprint},
			{Key: "ciphertext", Value: ciphertext},
			{Key: "nonce", Value: nonce},
			{Key: "active", Value: true},
		}}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrAPIKeyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAPIKeyNotFound)
	}

	return nil
}

// ConsumeQuota is the single atomic step of the quota engine. The filter only
// matches a key that is active, unexpired, and under both its minute and day
// ceilings (a stale bucket id counts as under-ceiling); the pipeline update,
// in the same round trip, resets any stale window and then increments both
// counters and stamps last_used_at. Returns the post-update record, or
// storage.ErrNoQuotaMatch when nothing matched.
func (s *Storage) ConsumeQuota(ctx context.Context, fingerprint string, now time.Time, minuteBucket int64, dayBucket int32) (*models.APIKey, error) {
	const op = "storage.mongodb.ConsumeQuota"

	filter := bson.D{
		{Key: "fingerprint", Value: fingerprint},
		{Key: "active", Value: true},
		{Key: "$and", Value: bson.A{
			bson.D{{Key: "$or", Value: notExpiredClauses(now)}},
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "minute_bucket", Value: bson.D{{Key: "$ne", Value: minuteBucket}}}},
				bson.D{{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$requests_used_minute", "$requests_per_minute"}}}}},
			}}},
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "usage_day", Value: bson.D{{Key: "$ne", Value: dayBucket}}}},
				bson.D{{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$requests_used_today", "$requests_per_day"}}}}},
			}}},
		}},
	}

	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "last_used_at", Value: now},

			{Key: "minute_bucket", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$minute_bucket", minuteBucket}}},
				minuteBucket,
				"$minute_bucket",
			}}}},
			{Key: "requests_used_minute", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$minute_bucket", minuteBucket}}},
				int32(0),
				"$requests_used_minute",
			}}}},

			{Key: "usage_day", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$usage_day", dayBucket}}},
				dayBucket,
				"$usage_day",
			}}}},
			{Key: "requests_used_today", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$usage_day", dayBucket}}},
				int64(0),
				"$requests_used_today",
			}}}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "requests_used_minute", Value: bson.D{{Key: "$add", Value: bson.A{"$requests_used_minute", int32(1)}}}},
			{Key: "requests_used_today", Value: bson.D{{Key: "$add", Value: bson.A{"$requests_used_today", int64(1)}}}},
		}}},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc apiKeyDoc
	err := s.keys.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNoQuotaMatch)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return apiKeyFromDoc(&doc), nil
}

// notExpiredClauses matches keys with no expiry or an expiry past now.
func notExpiredClauses(now time.Time) bson.A {
	return bson.A{
		bson.D{{Key: "expires_at", Value: nil}},
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}}},
	}
}

func userFromDoc(doc *userDoc) *models.User {
	user := &models.User{
		ID:        doc.ID.Hex(),
		Email:     doc.Email,
		Name:      doc.Name,
		PassHash:  doc.PassHash,
		CreatedAt: doc.CreatedAt,
	}
	if doc.DefaultAPIKeyID != nil {
		id := doc.DefaultAPIKeyID.Hex()
		user.DefaultAPIKeyID = &id
	}
	return user
}

func refreshTokenFromDoc(doc *refreshTokenDoc) *models.RefreshToken {
	token := &models.RefreshToken{
		ID:          doc.ID.Hex(),
		UserID:      doc.UserID.Hex(),
		JTI:         doc.JTI,
		Fingerprint: doc.Fingerprint,
		CreatedAt:   doc.CreatedAt,
		ExpiresAt:   doc.ExpiresAt,
		RevokedAt:   doc.RevokedAt,
	}
	if doc.ReplacedBy != nil {
		id := doc.ReplacedBy.Hex()
		token.ReplacedBy = &id
	}
	return token
}

func apiKeyFromDoc(doc *apiKeyDoc) *models.APIKey {
	return &models.APIKey{
		ID:          doc.ID.Hex(),
		UserID:      doc.UserID.Hex(),
		Name:        doc.Name,
		Fingerprint: doc.Fingerprint,
		Ciphertext:  doc.Ciphertext,
		Nonce:       doc.Nonce,

		Active:    doc.Active,
		ExpiresAt: doc.ExpiresAt,

		Scopes: doc.Scopes,

		RequestsPerMinute: doc.RequestsPerMinute,
		RequestsPerDay:    doc.RequestsPerDay,

		MinuteBucket: doc.MinuteBucket,
		UsedMinute:   doc.UsedMinute,
		DayBucket:    doc.DayBucket,
		UsedDay:      doc.UsedDay,

		CreatedAt:  doc.CreatedAt,
		LastUsedAt: doc.LastUsedAt,
	}
}
