// genjwt prints a dashboard token for TENANT_ID (or a random tenant).
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"paygate/internal/auth"
	"paygate/pkg/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	tenantID := uuid.New()
	if v := os.Getenv("TENANT_ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, "TENANT_ID is not a uuid:", err)
			os.Exit(1)
		}
		tenantID = id
	}

	signed, err := auth.NewTokens(cfg.JWT.Secret, cfg.JWT.Expiry).Issue(tenantID)
	if err != nil {
		panic(err)
	}
	fmt.Println(signed)
}
