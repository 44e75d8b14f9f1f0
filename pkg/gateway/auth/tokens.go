package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTokenNotFound is returned when a gateway token is unknown,
	// expired, or revoked.
	ErrTokenNotFound = errors.New("auth: token not found")
	// ErrDisabled is returned when no Redis client was configured.
	ErrDisabled = errors.New("auth: token store disabled")
)

const tokenPrefix = "vxt_"

const defaultTokenTTL = time.Hour

// IsGatewayToken reports whether a bearer credential looks like a token
// minted by Issue rather than a static API key.
func IsGatewayToken(token string) bool {
	return strings.HasPrefix(token, tokenPrefix)
}

// TokenStore keeps gateway tokens in Redis so any gateway replica can
// resolve a token minted by another.
type TokenStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewTokenStore returns nil when client is nil; a nil store rejects
// every operation with ErrDisabled.
func NewTokenStore(client *redis.Client, ttl time.Duration) *TokenStore {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenStore{client: client, ttl: ttl, prefix: "vox"}
}

func (s *TokenStore) key(token string) string {
	return fmt.Sprintf("%s:token:%s", s.prefix, token)
}

// Issue mints an opaque token for p and stores it with the configured TTL.
func (s *TokenStore) Issue(ctx context.Context, p Principal) (string, error) {
	if s == nil {
		return "", ErrDisabled
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := tokenPrefix + hex.EncodeToString(buf)
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal principal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), body, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// Lookup resolves an issued token and slides its expiry forward so a
// principal mid-conversation is not logged out under them.
func (s *TokenStore) Lookup(ctx context.Context, token string) (Principal, error) {
	if s == nil {
		return Principal{}, ErrDisabled
	}
	if !IsGatewayToken(token) {
		return Principal{}, ErrTokenNotFound
	}
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Principal{}, ErrTokenNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("load token: %w", err)
	}
	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		return Principal{}, fmt.Errorf("decode principal: %w", err)
	}
	s.client.Expire(ctx, s.key(token), s.ttl)
	return p, nil
}

// Revoke deletes a token immediately.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if s == nil {
		return ErrDisabled
	}
	n, err := s.client.Del(ctx, s.key(token)).Result()
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}
