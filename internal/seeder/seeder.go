package seeder

import (
	"context"
	"log"

	"github.com/sage-ai/sage/internal/identity"
)

const (
	TestToken  = "test-token-12345"
	TestUserID = "test-user"
)

// SeedTestToken registers a well-known access token for local development.
// Postgres-backed deployments start with an empty access_tokens table, so
// without this there is no way to call the API at all.
func SeedTestToken(ctx context.Context, store identity.Store) {
	token := &identity.Token{
		UserID:    TestUserID,
		TokenHash: identity.HashToken(TestToken),
		Active:    true,
	}

	if err := store.Create(ctx, token); err != nil {
		log.Printf("[Seeder] Token may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test access token created successfully")
	log.Printf("[Seeder] Token: %s", TestToken)
	log.Printf("[Seeder] UserID: %s", TestUserID)
}
