package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/adapter/postgres"
	"github.com/fixora/flagsync/infrastructure/config"
	"github.com/fixora/flagsync/infrastructure/service/jwt"
)

// grant mints a development access token for a user and, with -persist,
// records the same memberships in organization_members.
//
//	grant -user alice -email alice@example.com -member demo-org=admin -member other=viewer
func main() {
	user := flag.String("user", "", "user id (token subject)")
	email := flag.String("email", "", "optional email claim")
	persist := flag.Bool("persist", false, "also write memberships to organization_members")
	var members memberFlags
	flag.Var(&members, "member", "org=role membership, repeatable")
	flag.Parse()

	if *user == "" || len(members) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *persist {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		for org, role := range members {
			if err := postgres.UpsertMember(ctx, db, org, *user, role); err != nil {
				log.Fatalf("Failed to grant %s in %s: %v", role, org, err)
			}
			fmt.Fprintf(os.Stderr, "granted %s to %s in %s\n", role, *user, org)
		}
	}

	tokenService, err := jwt.NewJWTService(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize JWT service: %v", err)
	}
	token, err := mint(tokenService, *user, *email, members)
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}
	fmt.Println(token)
}

func mint(tokens outbound.TokenService, userID, email string, members memberFlags) (string, error) {
	return tokens.GenerateAccessToken(outbound.TokenClaims{
		UserID:      userID,
		Email:       email,
		Memberships: members,
	})
}

// memberFlags collects repeated -member org=role values.
type memberFlags map[string]entity.Role

func (m *memberFlags) String() string {
	parts := make([]string, 0, len(*m))
	for org, role := range *m {
		parts = append(parts, org+"="+string(role))
	}
	return strings.Join(parts, ",")
}

func (m *memberFlags) Set(value string) error {
	org, role, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected org=role, got %q", value)
	}
	if err := entity.ValidateOrganizationID(org); err != nil {
		return err
	}
	r := entity.Role(strings.ToLower(strings.TrimSpace(role)))
	if !r.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if *m == nil {
		*m = memberFlags{}
	}
	(*m)[org] = r
	return nil
}
