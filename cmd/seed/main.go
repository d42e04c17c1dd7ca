package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/adapter/postgres"
)

func main() {
	catalogPath := flag.String("catalog", getenvDefault("SEED_CATALOG", "cmd/seed/flags.toml"), "TOML flag catalog")
	org := flag.String("org", os.Getenv("SEED_ORGANIZATION_ID"), "organization to seed (defaults to the catalog's)")
	flag.Parse()

	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	c, err := loadCatalog(*catalogPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *org != "" {
		if err := entity.ValidateOrganizationID(*org); err != nil {
			log.Fatalf("invalid -org %q: %v", *org, err)
		}
	} else {
		*org = c.Organization
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to connect db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping db: %v", err)
	}

	created, skipped, err := seedFlags(ctx, postgres.NewFlagRepositoryAdapter(db), c.featureFlags(*org))
	if err != nil {
		log.Fatalf("failed to seed flags: %v", err)
	}

	for _, m := range c.Members {
		if err := postgres.UpsertMember(ctx, db, *org, m.UserID, entity.Role(m.Role)); err != nil {
			log.Fatalf("failed to seed member %s: %v", m.UserID, err)
		}
	}

	fmt.Printf("Seeded organization=%s flags_created=%d flags_existing=%d members=%d\n", *org, created, skipped, len(c.Members))
}

// seedFlags creates every flag that does not exist yet; existing flags keep their state
func seedFlags(ctx context.Context, store outbound.FlagStore, flags []*entity.FeatureFlag) (created, skipped int, err error) {
	for _, f := range flags {
		err := store.Create(ctx, f)
		switch {
		case err == nil:
			created++
		case errors.Is(err, outbound.ErrFlagAlreadyExists):
			skipped++
		default:
			return created, skipped, fmt.Errorf("create %s: %w", f.Key, err)
		}
	}
	return created, skipped, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
