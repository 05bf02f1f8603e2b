package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/session"
)

// DefaultTokenExpiration is the default expiration time for issued tokens.
const DefaultTokenExpiration = 24 * time.Hour

var (
	// ErrMissingToken is returned when a request carries no bearer credential.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionInvalid is returned when the token's session is gone.
	ErrSessionInvalid = errors.New("session expired or revoked")
)

// Claims represents the JWT claims for a user.
type Claims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID    string
	SessionID string
	Role      string
}

// SessionStore is what authentication needs from the session registry.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateActivity(ctx context.Context, id string) error
}

// Authenticator verifies bearer credentials issued by the auth component.
type Authenticator struct {
	jwtSecret []byte
	sessions  SessionStore
}

// NewAuthenticator creates an Authenticator. With a nil store only the
// token signature and expiry are checked.
func NewAuthenticator(jwtSecret string, sessions SessionStore) *Authenticator {
	return &Authenticator{
		jwtSecret: []byte(jwtSecret),
		sessions:  sessions,
	}
}

// ValidateToken validates a JWT token and returns the claims.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate checks the token and, when it names a session, that the
// session is still live in the registry. A registry that cannot be reached
// fails authentication.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (*Identity, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	id := &Identity{UserID: claims.UserID, SessionID: claims.SessionID, Role: claims.Role}
	if a.sessions == nil || claims.SessionID == "" {
		return id, nil
	}

	s, err := a.sessions.GetSession(ctx, claims.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, ErrSessionInvalid
	case err != nil:
		return nil, fmt.Errorf("cannot verify session: %w", err)
	case s.UserID != claims.UserID:
		return nil, ErrSessionInvalid
	}

	if err := a.sessions.UpdateActivity(ctx, claims.SessionID); err != nil {
		log.Warn().Err(err).Str("session_id", claims.SessionID).Msg("failed to update session activity")
	}
	if s.Role != "" {
		id.Role = s.Role
	}
	return id, nil
}

// AuthenticateRequest reads the bearer credential from the Authorization
// header, falling back to the token query parameter for websocket clients.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return a.Authenticate(r.Context(), token)
}

// BearerToken extracts the raw credential from r, or "".
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// GenerateToken signs a token for claims that expires after ttl.
func GenerateToken(jwtSecret string, claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenExpiration
	}
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
