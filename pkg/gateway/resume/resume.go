// Package resume keeps live session resume state in Redis so a client can
// reconnect to an interrupted session while the upstream handle is still
// valid. Without Redis the gateway reports resume as unsupported.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrDisabled  = errors.New("resume: disabled")
	ErrNotFound  = errors.New("resume: not found")
	ErrInvalidID = errors.New("resume: invalid session id")
)

const defaultTTL = 10 * time.Minute

// State is everything needed to rebuild a session after a reconnect: the
// upstream handle plus the hello fields the new connection must match.
type State struct {
	SessionID      string    `json:"session_id"`
	Handle         string    `json:"handle"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	System         string    `json:"system,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type Option func(*Store)

// WithTTL sets how long resume state survives without activity.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPrefix sets the Redis key prefix. Default is "vox".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		ttl:    defaultTTL,
		prefix: "vox",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(sessionID string) string {
	return fmt.Sprintf("%s:resume:%s", s.prefix, sessionID)
}

// TTL returns the configured resume lifetime.
func (s *Store) TTL() time.Duration {
	if s == nil {
		return 0
	}
	return s.ttl
}

// Enabled reports whether resume state is backed by Redis.
func (s *Store) Enabled() bool {
	return s != nil && s.client != nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	return s.client.Ping(ctx).Err()
}

func (s *Store) Save(ctx context.Context, state *State) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if state == nil || state.SessionID == "" {
		return ErrInvalidID
	}

	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("resume: marshal state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("resume: redis set: %w", err)
	}
	return nil
}

// SaveHandle updates just the upstream handle, keeping any hello fields an
// earlier Save stored for this session.
func (s *Store) SaveHandle(ctx context.Context, sessionID, handle string) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if sessionID == "" {
		return ErrInvalidID
	}

	state, err := s.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		state = &State{SessionID: sessionID}
	} else if err != nil {
		return err
	}
	state.Handle = handle
	return s.Save(ctx, state)
}

func (s *Store) Load(ctx context.Context, sessionID string) (*State, error) {
	if s == nil || s.client == nil {
		return nil, ErrDisabled
	}
	if sessionID == "" {
		return nil, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resume: redis get: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("resume: unmarshal state: %w", err)
	}
	return &state, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if sessionID == "" {
		return ErrInvalidID
	}

	n, err := s.client.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("resume: redis del: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch extends the TTL without rewriting the state.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	if sessionID == "" {
		return ErrInvalidID
	}

	ok, err := s.client.Expire(ctx, s.key(sessionID), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("resume: redis expire: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
