package main

import (
	"context"
	"log"

	"promptsync/internal/config"
	"promptsync/internal/domain/model"
	"promptsync/internal/infra/db/postgres"
	"promptsync/internal/infra/redis"

	"github.com/jackc/pgx/v4/pgxpool"
)

// This script is for setting up a clean, predictable database state
// for manual end-to-end testing.
func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	// --- Connect to Postgres ---
	pool, err := postgres.NewPgxPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres connection failed: %v", err)
	}
	defer pool.Close()

	// --- Connect to Redis ---
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisClient.Close()

	log.Println("--- Starting E2E Environment Setup ---")

	// 1. Clean the Redis cache to remove any stale data.
	log.Println("[1/3] Wiping Redis cache...")
	if err := redisClient.FlushDB(ctx); err != nil {
		log.Fatalf("failed to flush redis: %v", err)
	}

	// 2. Clean the database completely.
	log.Println("[2/3] Wiping all existing database data...")
	_, err = pool.Exec(ctx, `
		TRUNCATE
			prompts, jobs, recurring_jobs, sync_operations
		RESTART IDENTITY CASCADE;
	`)
	if err != nil {
		log.Fatalf("failed to truncate tables: %v", err)
	}

	// 3. Seed a known prompt set so sync runs have predictable input.
	log.Println("[3/3] Seeding test prompts...")
	seedPrompts(ctx, pool)

	log.Println("--- E2E Environment Setup Complete ---")
}

func seedPrompts(ctx context.Context, pool *pgxpool.Pool) {
	repo := postgres.NewPromptRepo(pool)

	fixtures := []struct {
		Name    string
		Content string
		Tags    []string
	}{
		{"e2e-baseline", "You are a helpful assistant.", []string{"e2e"}},
		{"e2e-conflicting", "Local version of the conflicting prompt.", []string{"e2e", "conflict"}},
		{"e2e-push-only", "Exists locally only; should be pushed.", []string{"e2e"}},
	}
	for _, f := range fixtures {
		p, err := model.NewPrompt(f.Name, f.Content, f.Tags)
		if err != nil {
			log.Printf("new prompt %q: %v", f.Name, err)
			continue
		}
		if err := repo.Create(ctx, p); err != nil {
			log.Printf("failed to save prompt %q: %v", f.Name, err)
		}
	}
}
