package suite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"keygate/internal/app"
	"keygate/internal/config"
)

const testDatabase = "keygate_test"

type Suite struct {
	*testing.T
	Cfg *config.Config
	App *app.App
}

// New builds the application against a real MongoDB for end-to-end tests. The
// whole suite skips itself when MONGO_URI is not set.
func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI is not set, skipping store-backed integration tests")
	}

	t.Parallel()

	encKey := make([]byte, 32)
	if _, err := rand.Read(encKey); err != nil {
		t.Fatalf("failed to generate encryption key: %v", err)
	}

	cfg := &config.Config{
		Env: "local",
		Mongo: config.MongoConfig{
			URI:      uri,
			Database: testDatabase,
		},
		JWT: config.JWTConfig{
			Secret:     "integration-test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 720 * time.Hour,
		},
		APIKeys: config.APIKeyConfig{
			EncKeyBase64:      base64.StdEncoding.EncodeToString(encKey),
			RequestsPerMinute: 60,
			RequestsPerDay:    10_000,
		},
		OpTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		cancel()
		t.Fatalf("failed to build app: %v", err)
	}

	t.Cleanup(func() {
		t.Helper()
		cancel()
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		_ = application.Stop(cleanupCtx)
	})

	return ctx, &Suite{
		T:   t,
		Cfg: cfg,
		App: application,
	}
}
