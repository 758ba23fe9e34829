// Command cleanup-idempotency purges idempotency keys older than the
// configured TTL, generalizing the original cleanup_idempotency.py
// script. Intended to run as a cron job.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/database"
	"github.com/agentqueue/control-plane/internal/retention"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	jobs := retention.New(repo)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := jobs.PurgeIdempotency(ctx, cfg.Database.IdempotencyTTLDays)
	if err != nil {
		log.Fatalf("Failed to purge idempotency keys: %v", err)
	}

	log.Printf("Deleted %d idempotency keys older than %d days", deleted, cfg.Database.IdempotencyTTLDays)
}
