package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"promptsync/internal/config"
	"promptsync/internal/domain/model"
	pg "promptsync/internal/infra/db/postgres"
)

func main() {
	// ---- Config ----
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	repo := pg.NewPromptRepo(pool)

	// If prompts already exist, do nothing
	n, err := repo.Count(ctx, model.PromptFilter{})
	if err != nil {
		log.Fatalf("count prompts: %v", err)
	}
	if n > 0 {
		fmt.Printf("%d prompts already present. No changes.\n", n)
		return
	}

	// Seed a few sample prompts for testing the sync flow
	seed := []struct {
		Name    string
		Content string
		Tags    []string
	}{
		{"summarize-article", "Summarize the following article in three bullet points:\n\n{{article}}", []string{"summarization"}},
		{"code-review", "Review this diff for correctness and style. Point out bugs first.\n\n{{diff}}", []string{"engineering"}},
		{"translate-formal", "Translate the text below into formal {{language}}.\n\n{{text}}", []string{"translation"}},
	}

	for _, s := range seed {
		p, err := model.NewPrompt(s.Name, s.Content, s.Tags)
		if err != nil {
			log.Fatalf("new prompt %q: %v", s.Name, err)
		}
		if err := repo.Create(ctx, p); err != nil {
			log.Fatalf("create prompt %q: %v", s.Name, err)
		}
		fmt.Printf("  + %s (tags=%v)\n", p.Name, p.Tags)
	}
	fmt.Printf("Seeded %d prompts.\n", len(seed))
}
