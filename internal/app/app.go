package app

import (
	"context"
	"log/slog"

	"keygate/internal/config"
	"keygate/internal/lib/secrets"
	"keygate/internal/services/apikey"
	"keygate/internal/services/auth"
	"keygate/internal/services/introspect"
	"keygate/internal/storage/mongodb"
)

// App wires the credential core: storage, crypto, and the three services. The
// transport layer is an external collaborator and attaches to the services.
type App struct {
	Auth       *auth.Auth
	Keys       *apikey.Keys
	Introspect *introspect.Service
	Storage    *mongodb.Storage
}

// New builds the application graph.
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*App, error) {
	storage, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return nil, err
	}

	cipher, err := secrets.NewFromBase64(cfg.APIKeys.EncKeyBase64)
	if err != nil {
		return nil, err
	}

	jwtSecret := []byte(cfg.JWT.Secret)

	keys := apikey.New(
		logger,
		storage,
		storage,
		cipher,
		cfg.APIKeys.RequestsPerMinute,
		cfg.APIKeys.RequestsPerDay,
	)

	authService := auth.New(
		logger,
		storage,
		storage,
		storage,
		keys,
		jwtSecret,
		cfg.JWT.AccessTTL,
		cfg.JWT.RefreshTTL,
	)

	introspectService := introspect.New(logger, storage, storage, jwtSecret)

	return &App{
		Auth:       authService,
		Keys:       keys,
		Introspect: introspectService,
		Storage:    storage,
	}, nil
}

// Stop disconnects from the store.
func (a *App) Stop(ctx context.Context) error {
	return a.Storage.Close(ctx)
}
