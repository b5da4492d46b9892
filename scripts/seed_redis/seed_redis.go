package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"fleet-monitor/safety/internal/config"
	"fleet-monitor/safety/internal/store"
)

// Ingestion keys and the fleet each one belongs to.
var apiKeys = map[string]string{
	"fleet_depot_north_key": "fleet_depot_north",
	"fleet_depot_south_key": "fleet_depot_south",
	"simulator_key":         "simulator",
	"test_key":              "test_fleet",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println("Connecting to Redis...")
	rs, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rs.Close()
	fmt.Println("✓ Connected")

	step1APIKeys(ctx, rs)
	step2Verify(ctx, rs)

	fmt.Println("\nRedis seeded successfully")
	fmt.Println("   Start the service with AUTH_REQUIRED=true REDIS_ENABLED=true")
}

func step1APIKeys(ctx context.Context, rs *store.RedisStore) {
	fmt.Println("\n── Step 1: Seeding API keys ────────────────────")

	keys := make([]string, 0, len(apiKeys))
	for k := range apiKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := rs.SetAPIKey(ctx, key, apiKeys[key]); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-30s → %s\n", key, apiKeys[key])
	}
}

func step2Verify(ctx context.Context, rs *store.RedisStore) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	for key, want := range apiKeys {
		owner, err := rs.GetAPIKey(ctx, key)
		if err != nil {
			log.Fatalf("Lookup of %s failed: %v", key, err)
		}
		if owner != want {
			log.Fatalf("Key %s resolves to %q, want %q", key, owner, want)
		}
	}
	fmt.Printf("  ✓ %d API keys resolve\n", len(apiKeys))
}
