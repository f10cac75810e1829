// verify-chain re-hashes the entire audit spine and reports any break in the
// chain. Exit status 0 means every event verified.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jlugo63/gavel/internal/config"
	"github.com/jlugo63/gavel/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	dbURL := flag.String("db", "", "Postgres URL (defaults to DATABASE_URL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	url := *dbURL
	if url == "" {
		url = cfg.DatabaseURL
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "no database configured: set DATABASE_URL or pass -db")
		os.Exit(2)
	}

	store, err := ledger.NewPostgres(url, cfg.PolicyVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()

	report, err := store.VerifyChain(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("events:  %d\n", report.Total)
	fmt.Printf("broken:  %d\n", report.Broken)
	fmt.Printf("root:    %s\n", report.Root)
	if report.Broken > 0 {
		fmt.Printf("first break at event %s\n", report.FirstBreak)
		fmt.Println("\033[31mCHAIN BROKEN\033[0m")
		os.Exit(1)
	}
	fmt.Println("\033[32mCHAIN OK\033[0m")
}
