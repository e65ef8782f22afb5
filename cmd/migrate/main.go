package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"

	"chatcore/config"
	"chatcore/internal/repository"
)

const usage = `
chatcore relay - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Create the relay tables
  down        Drop the relay tables (DANGEROUS)
  status      Show database connection status and row counts
  reset       Drop the relay tables and create them again (DANGEROUS)
  truncate    Truncate all relay tables (DANGEROUS)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate status
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	cfg := config.LoadConfig()
	if cfg.Relay.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	ctx := context.Background()
	store, err := repository.NewPostgresStore(ctx, cfg.Relay.DatabaseURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer store.Close()

	switch command {
	case "up":
		runUp(ctx, store)
	case "down":
		runDown(ctx, store)
	case "status":
		showStatus(ctx, store)
	case "reset":
		runDown(ctx, store)
		runUp(ctx, store)
	case "truncate":
		runTruncate(ctx, store)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runUp(ctx context.Context, store *repository.PostgresStore) {
	log.Println("Running migrations UP...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations completed successfully")
}

func runDown(ctx context.Context, store *repository.PostgresStore) {
	log.Println("Dropping relay tables...")
	if _, err := store.Pool().Exec(ctx, repository.DropSchema); err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	log.Println("Rollback completed successfully")
}

func showStatus(ctx context.Context, store *repository.PostgresStore) {
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Database connection: OK")

	for _, table := range repository.Tables {
		var exists bool
		err := store.Pool().QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists)
		if err != nil {
			log.Printf("Error checking table %s: %v", table, err)
			continue
		}
		if !exists {
			log.Printf("Table %-16s does not exist", table)
			continue
		}
		var count int64
		query := "SELECT COUNT(*) FROM " + pgx.Identifier{table}.Sanitize()
		if err := store.Pool().QueryRow(ctx, query).Scan(&count); err != nil {
			log.Printf("Error counting table %s: %v", table, err)
			continue
		}
		log.Printf("Table %-16s exists (%d rows)", table, count)
	}
}

func runTruncate(ctx context.Context, store *repository.PostgresStore) {
	log.Println("WARNING: This will TRUNCATE all relay tables!")
	quoted := make([]string, 0, len(repository.Tables))
	for _, table := range repository.Tables {
		quoted = append(quoted, pgx.Identifier{table}.Sanitize())
	}
	if _, err := store.Pool().Exec(ctx, "TRUNCATE "+strings.Join(quoted, ", ")); err != nil {
		log.Fatalf("Truncate failed: %v", err)
	}
	log.Println("All tables truncated")
}
