// Seeding tool that creates a tenant with an API key and a dashboard token.
// Usage (env overrides):
//
//	SEED_TENANT_NAME="Acme Ltd" SEED_CALLBACK_URL=https://acme.example.com/hook
//
// Reads DATABASE_URL and JWT settings via paygate/pkg/config
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"paygate/internal/auth"
	"paygate/internal/repository/postgres"
	"paygate/pkg/config"
	"paygate/pkg/domain"
	"paygate/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("seed-tenant")

	cfg := config.Load()
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable is required", nil)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	ctx := context.Background()
	tenants := postgres.NewTenantRepository(db)
	keys := auth.NewAPIKeyService(postgres.NewAPIKeyRepository(db), log)

	now := time.Now().UTC()
	tn := &domain.Tenant{
		ID:            uuid.New(),
		Name:          getenv("SEED_TENANT_NAME", "Demo Merchant"),
		WalletBalance: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tenants.Create(ctx, tn); err != nil {
		log.Fatal("Failed to create tenant", map[string]interface{}{"error": err.Error()})
	}

	if url := os.Getenv("SEED_CALLBACK_URL"); url != "" {
		if err := tenants.UpsertConfig(ctx, &domain.TenantConfig{TenantID: tn.ID, CallbackURL: &url, UpdatedAt: now}); err != nil {
			log.Fatal("Failed to save tenant config", map[string]interface{}{"error": err.Error()})
		}
	}

	_, raw, err := keys.CreateKey(ctx, tn.ID, "seed")
	if err != nil {
		log.Fatal("Failed to create api key", map[string]interface{}{"error": err.Error()})
	}
	token, err := auth.NewTokens(cfg.JWT.Secret, cfg.JWT.Expiry).Issue(tn.ID)
	if err != nil {
		log.Fatal("Failed to issue dashboard token", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Tenant seeded", map[string]interface{}{"tenant_id": tn.ID, "name": tn.Name})
	fmt.Printf("TENANT_ID=%s\nAPI_KEY=%s\nDASHBOARD_TOKEN=%s\n", tn.ID, raw, token)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
