package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/metrics"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrNotFound is returned for a missing or expired session or token.
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("session registry unavailable")
)

// Config holds the Redis connection settings for the registry.
type Config struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	RefreshTTL  time.Duration `yaml:"refresh_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Session is a login session held for its TTL.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	LoginTime      time.Time `json:"loginTime"`
	LastActivity   time.Time `json:"lastActivity"`
	RefreshTokenID string    `json:"refreshTokenId,omitempty"`
}

// Registry is a Redis-backed session store.
type Registry struct {
	client     *redis.Client
	clock      clockwork.Clock
	sessionTTL time.Duration
	refreshTTL time.Duration
}

// New creates a registry. It never fails because Redis is down: the
// failure is logged and each operation reports ErrUnavailable until the
// client reconnects.
func New(cfg Config, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr).Msg("session registry cannot reach redis, continuing degraded")
	} else {
		log.Info().Str("addr", cfg.Addr).Msg("session registry connected")
	}

	return &Registry{
		client:     client,
		clock:      clock,
		sessionTTL: cfg.SessionTTL,
		refreshTTL: cfg.RefreshTTL,
	}
}

// Close closes the Redis connection
func (r *Registry) Close() error {
	return r.client.Close()
}

// Healthy reports whether Redis answers a ping.
func (r *Registry) Healthy(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.unavailable("ping", err)
	}
	return nil
}

func sessionKey(id string) string          { return fmt.Sprintf("tempo:session:%s", id) }
func userSessionsKey(userID string) string { return fmt.Sprintf("tempo:user:%s:sessions", userID) }
func refreshKey(tokenID string) string     { return fmt.Sprintf("tempo:refresh:%s", tokenID) }
func userRefreshKey(userID string) string  { return fmt.Sprintf("tempo:user:%s:refresh", userID) }

// CreateSession stores s, filling in the id and timestamps when unset.
func (r *Registry) CreateSession(ctx context.Context, s Session) (*Session, error) {
	if s.UserID == "" {
		return nil, errors.New("session requires a user id")
	}
	now := r.clock.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.LoginTime.IsZero() {
		s.LoginTime = now
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = now
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(s.ID), sessionToHash(s))
		pipe.Expire(ctx, sessionKey(s.ID), r.sessionTTL)
		pipe.SAdd(ctx, userSessionsKey(s.UserID), s.ID)
		pipe.Expire(ctx, userSessionsKey(s.UserID), r.sessionTTL)
		return nil
	})
	if err != nil {
		return nil, r.unavailable("create_session", err)
	}
	return &s, nil
}

// GetSession returns the live session with the given id.
func (r *Registry) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, r.unavailable("get_session", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return parseSession(data)
}

// UpdateActivity stamps lastActivity and resets the session TTL.
func (r *Registry) UpdateActivity(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	touched, err := touchSession.Run(ctx, r.client,
		[]string{sessionKey(id)},
		now.Format(time.RFC3339Nano),
		r.sessionTTL.Milliseconds(),
	).Int()
	if err != nil {
		return r.unavailable("update_activity", err)
	}
	if touched == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes one session. Deleting a missing session is not an error.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	key := sessionKey(id)
	userID, err := r.client.HGet(ctx, key, "user_id").Result()
	if err == redis.Nil {
		// Missing, or a hash without an owner; either way nothing indexes it.
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return r.unavailable("delete_session", err)
		}
		return nil
	}
	if err != nil {
		return r.unavailable("delete_session", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, userSessionsKey(userID), id)
		return nil
	})
	if err != nil {
		return r.unavailable("delete_session", err)
	}
	return nil
}

// ListUserSessions returns the user's live sessions, pruning ids whose
// session has expired.
func (r *Registry) ListUserSessions(ctx context.Context, userID string) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, r.unavailable("list_user_sessions", err)
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, userSessionsKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

// DeleteUserSessions logs the user out everywhere and returns how many
// session ids were removed.
func (r *Registry) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	setKey := userSessionsKey(userID)
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, r.unavailable("delete_user_sessions", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, setKey)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, r.unavailable("delete_user_sessions", err)
	}
	return len(ids), nil
}

// StoreRefreshToken maps tokenID to userID for the refresh TTL.
func (r *Registry) StoreRefreshToken(ctx context.Context, tokenID, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, refreshKey(tokenID), userID, r.refreshTTL)
		pipe.SAdd(ctx, userRefreshKey(userID), tokenID)
		pipe.Expire(ctx, userRefreshKey(userID), r.refreshTTL)
		return nil
	})
	if err != nil {
		return r.unavailable("store_refresh_token", err)
	}
	return nil
}

// GetRefreshTokenUser returns the user a refresh token belongs to.
func (r *Registry) GetRefreshTokenUser(ctx context.Context, tokenID string) (string, error) {
	userID, err := r.client.Get(ctx, refreshKey(tokenID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", r.unavailable("get_refresh_token", err)
	}
	return userID, nil
}

// DeleteRefreshToken revokes one refresh token.
func (r *Registry) DeleteRefreshToken(ctx context.Context, tokenID string) error {
	userID, err := r.client.Get(ctx, refreshKey(tokenID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return r.unavailable("delete_refresh_token", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, refreshKey(tokenID))
		pipe.SRem(ctx, userRefreshKey(userID), tokenID)
		return nil
	})
	if err != nil {
		return r.unavailable("delete_refresh_token", err)
	}
	return nil
}

// DeleteUserRefreshTokens revokes every refresh token the user holds.
func (r *Registry) DeleteUserRefreshTokens(ctx context.Context, userID string) (int, error) {
	setKey := userRefreshKey(userID)
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, r.unavailable("delete_user_refresh_tokens", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, refreshKey(id))
	}
	keys = append(keys, setKey)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, r.unavailable("delete_user_refresh_tokens", err)
	}
	return len(ids), nil
}

func (r *Registry) unavailable(op string, err error) error {
	metrics.SessionRegistryErrors.WithLabelValues(op).Inc()
	log.Warn().Err(err).Str("operation", op).Msg("session registry operation failed")
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
