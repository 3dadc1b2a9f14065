package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"aichatserver/internal/chat"
	"aichatserver/internal/completion"
	"aichatserver/internal/identity"
	"aichatserver/internal/server"
	"aichatserver/pkg/config"
	"aichatserver/pkg/db"

	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	cfg := config.LoadConfig()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Startup is fail-fast: an unreachable database or a broken schema
	// exits non-zero instead of serving connections that cannot work.
	database, err := db.NewPostgresDB(cfg)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := db.EnsureSchema(database); err != nil {
		logrus.Fatalf("Failed to prepare database schema: %v", err)
	}

	identityRepo := identity.NewRepository(database)
	identityService := identity.NewService(identityRepo)

	chatRepo := chat.NewRepository(database)
	chatService := chat.NewService(chatRepo)

	completionService := completion.NewService(cfg)

	srv := server.New(cfg, identityService, chatService, completionService)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}

	logrus.Info("Server stopped")
}
