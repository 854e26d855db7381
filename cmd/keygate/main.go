package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"keygate/internal/app"
	"keygate/internal/config"
	"keygate/internal/lib/handlers/slogpretty"

	"github.com/joho/godotenv"
)

const (
	envLocal = "local"
	envProd  = "prod"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	logger := setupLogger(cfg.Env)
	logger.Info("starting keygate", slog.String("env", cfg.Env))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	application, err := app.New(ctx, logger, cfg)
	cancel()
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("credential core ready", slog.String("database", cfg.Mongo.Database))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop cleanly", slog.String("error", err.Error()))
	}

	logger.Info("shutting down keygate")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger
	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envProd:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		panic("unknown environment: " + env)
	}
	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}
	h := opts.NewPrettyHandler(os.Stdout)

	return slog.New(h)
}
