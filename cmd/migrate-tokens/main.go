// Command migrate-tokens seals plaintext credentials (bot tokens and
// companion API keys) already sitting in the override store. Overrides saved
// after ENCRYPTION_KEY was configured are sealed on write; this backfills
// the ones saved before.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Requires DB_DSN and ENCRYPTION_KEY.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/cast-tender/crypto"
	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be sealed without writing")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY is required")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	n, err := store.New(database, enc).EncryptStoredCredentials(ctx, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	if *dryRun {
		slog.Info("dry run complete", slog.Int("would_seal", n))
		return
	}
	slog.Info("migration complete", slog.Int("sealed", n))
}
