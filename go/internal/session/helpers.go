package session

import (
	"fmt"
	"time"
)

func sessionToHash(s Session) map[string]any {
	return map[string]any{
		"id":               s.ID,
		"user_id":          s.UserID,
		"role":             s.Role,
		"login_time":       s.LoginTime.UTC().Format(time.RFC3339Nano),
		"last_activity":    s.LastActivity.UTC().Format(time.RFC3339Nano),
		"refresh_token_id": s.RefreshTokenID,
	}
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*Session, error) {
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	loginTime, err := time.Parse(time.RFC3339Nano, data["login_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse login_time: %w", err)
	}

	lastActivity, err := time.Parse(time.RFC3339Nano, data["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity: %w", err)
	}

	return &Session{
		ID:             data["id"],
		UserID:         data["user_id"],
		Role:           data["role"],
		LoginTime:      loginTime.UTC(),
		LastActivity:   lastActivity.UTC(),
		RefreshTokenID: data["refresh_token_id"],
	}, nil
}
