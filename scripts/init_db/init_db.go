package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"fleet-monitor/safety/internal/config"
	"fleet-monitor/safety/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	fmt.Printf("Migrating %s@%s:%s/%s...\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)

	step1Migrate(cfg)
	step2Verify(cfg)

	fmt.Println("\nDatabase initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

func step1Migrate(cfg *config.Config) {
	fmt.Println("\n── Step 1: Migrations ──────────────────────────")

	files, err := store.MigrationFiles()
	if err != nil {
		log.Fatalf("Cannot list embedded migrations: %v", err)
	}
	for _, f := range files {
		fmt.Printf("  · %s\n", f)
	}

	version, err := store.Migrate(cfg.MigrationURL())
	if err != nil {
		log.Fatalf("Migration failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	fmt.Printf("  ✓ schema at version %d\n", version)
}

func step2Verify(cfg *config.Config) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewTimescaleStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
	defer db.Close()

	report, err := db.VerifySchema(ctx)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	for _, table := range report.Tables {
		fmt.Printf("  ✓ table: %s\n", table)
	}
	if !report.Hypertable {
		log.Fatalf("incident_events is not a hypertable")
	}
	fmt.Println("  ✓ hypertable: incident_events (time partitioned)")
	fmt.Printf("  ✓ indexes: %d\n", report.Indexes)
}
