package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns an opaque bearer token into a user identifier. The core
// consumes the resolved identity only; credential storage and session
// handling live behind this boundary.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// Token is a stored credential record. The raw token is never persisted,
// only its hash.
type Token struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (t *Token) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (t *Token) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// Store is the credential registry behind the Postgres-backed resolver.
type Store interface {
	GetByToken(ctx context.Context, token string) (*Token, error)
	Create(ctx context.Context, t *Token) error
	Revoke(ctx context.Context, tokenID string) error
}

func HashToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// StoreResolver resolves tokens against a Store, with an optional Redis
// cache in front (5 minute TTL). A nil cache skips caching entirely.
type StoreResolver struct {
	store Store
	cache *redis.Client
}

func NewStoreResolver(store Store, cache *redis.Client) *StoreResolver {
	return &StoreResolver{store: store, cache: cache}
}

func (r *StoreResolver) Resolve(ctx context.Context, token string) (string, error) {
	cacheKey := fmt.Sprintf("identity:%s", HashToken(token))

	if r.cache != nil {
		var cached Token
		err := r.cache.Get(ctx, cacheKey).Scan(&cached)
		if err == nil {
			return cached.UserID, nil
		}
		if err != redis.Nil {
			log.Printf("identity: redis error: %v", err)
		}
	}

	t, err := r.store.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, cacheKey, t, 5*time.Minute).Err()
	}
	return t.UserID, nil
}

// StaticResolver maps tokens to user ids from configuration; the file-backend
// deployment mode uses it in place of a database registry.
type StaticResolver struct {
	users map[string]string // token -> user id
}

// NewStaticResolver parses a JSON object of token -> user id.
func NewStaticResolver(raw string) (*StaticResolver, error) {
	users := make(map[string]string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &users); err != nil {
			return nil, fmt.Errorf("invalid token map: %w", err)
		}
	}
	return &StaticResolver{users: users}, nil
}

func (r *StaticResolver) Resolve(ctx context.Context, token string) (string, error) {
	user, ok := r.users[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return user, nil
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware authenticates every request via the resolver and stashes the
// resolved user id in the context. The raw token is never logged.
func NewMiddleware(resolver Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			userID, err := resolver.Resolve(ctx, token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			ctx = context.WithValue(ctx, userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
