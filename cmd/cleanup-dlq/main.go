// Command cleanup-dlq purges DLQ rows older than the configured
// retention window, optionally scoped to a single org, generalizing
// the original cleanup_dlq.py script. Intended to run as a cron job.
package main

import (
	"context"
	"flag"
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

	orgID := flag.String("org-id", "", "purge only this org's DLQ rows (default: all orgs)")
	flag.Parse()

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	jobs := retention.New(repo)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := jobs.PurgeDLQ(ctx, *orgID, cfg.Database.DLQRetentionDays)
	if err != nil {
		log.Fatalf("Failed to purge DLQ: %v", err)
	}

	if *orgID != "" {
		log.Printf("Deleted %d DLQ messages older than %d days for org=%s", deleted, cfg.Database.DLQRetentionDays, *orgID)
	} else {
		log.Printf("Deleted %d DLQ messages older than %d days", deleted, cfg.Database.DLQRetentionDays)
	}
}
