package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/registry"
)

func main() {
	// Load .env and the environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// DATABASE_URL overrides the DB_* settings
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		if cfg.Database.Password == "" {
			log.Fatal("DATABASE_URL or DB_PASSWORD environment variable is required")
		}
		dsn = cfg.Database.DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := registry.OpenDB(ctx, dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := registry.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	log.Info("Migrations completed successfully")
}
