package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func setupTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	reg := New(Config{
		Addr:       mr.Addr(),
		SessionTTL: time.Hour,
		RefreshTTL: 2 * time.Hour,
	}, clock)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr, clock
}

func TestCreateAndGetSession(t *testing.T) {
	reg, mr, clock := setupTestRegistry(t)
	ctx := context.Background()

	created, err := reg.CreateSession(ctx, Session{UserID: "u1", Role: "admin", RefreshTokenID: "rt1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated session id")
	}
	if !created.LoginTime.Equal(clock.Now()) {
		t.Errorf("LoginTime = %v, want %v", created.LoginTime, clock.Now())
	}

	got, err := reg.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ID != created.ID || got.UserID != "u1" || got.Role != "admin" || got.RefreshTokenID != "rt1" {
		t.Errorf("Expected %+v, got %+v", *created, *got)
	}
	if !got.LoginTime.Equal(created.LoginTime) || !got.LastActivity.Equal(created.LastActivity) {
		t.Errorf("timestamps changed: %+v", *got)
	}

	if ttl := mr.TTL(sessionKey(created.ID)); ttl != time.Hour {
		t.Errorf("Expected TTL 1h, got %v", ttl)
	}
	if !mr.Exists(userSessionsKey("u1")) {
		t.Error("Expected user session index to exist")
	}
}

func TestCreateSessionRequiresUser(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	if _, err := reg.CreateSession(context.Background(), Session{}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestSessionExpires(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, Session{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(time.Hour + time.Second)

	if _, err := reg.GetSession(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestUpdateActivityResetsTTL(t *testing.T) {
	reg, mr, clock := setupTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, Session{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	mr.FastForward(45 * time.Minute)
	clock.Advance(45 * time.Minute)
	if err := reg.UpdateActivity(ctx, s.ID); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}
	if ttl := mr.TTL(sessionKey(s.ID)); ttl != time.Hour {
		t.Errorf("Expected TTL reset to 1h, got %v", ttl)
	}

	got, err := reg.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, clock.Now())
	}
	if !got.LoginTime.Equal(s.LoginTime) {
		t.Error("LoginTime should not change")
	}

	if err := reg.UpdateActivity(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing session, got %v", err)
	}
}

// expiringHook lets the session key expire at the point where a
// check-then-write sequence would be most exposed: after an EXISTS reply or
// just before a script runs.
type expiringHook struct {
	mr    *miniredis.Miniredis
	fired bool
}

func (h *expiringHook) expire() {
	if !h.fired {
		h.fired = true
		h.mr.FastForward(2 * time.Hour)
	}
}

func (h *expiringHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *expiringHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "eval", "evalsha":
			h.expire()
		}
		err := next(ctx, cmd)
		if cmd.Name() == "exists" {
			h.expire()
		}
		return err
	}
}

func (h *expiringHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestUpdateActivityDoesNotResurrectExpiredSession(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, Session{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	reg.client.AddHook(&expiringHook{mr: mr})

	if err := reg.UpdateActivity(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if mr.Exists(sessionKey(s.ID)) {
		t.Error("Expired session was recreated")
	}
	if _, err := reg.GetSession(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSessionRemovesOwnerlessHash(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	mr.HSet(sessionKey("orphan"), "last_activity", "2024-05-01T12:00:00Z")

	if err := reg.DeleteSession(ctx, "orphan"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if mr.Exists(sessionKey("orphan")) {
		t.Error("Expected ownerless session hash to be removed")
	}
}

func TestDeleteSession(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, Session{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := reg.GetSession(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if ok, _ := mr.SIsMember(userSessionsKey("u1"), s.ID); ok {
		t.Error("Expected session id removed from user index")
	}
	if err := reg.DeleteSession(ctx, s.ID); err != nil {
		t.Errorf("Deleting twice should be a no-op, got %v", err)
	}
}

func TestDeleteUserSessions(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()

	a, _ := reg.CreateSession(ctx, Session{UserID: "u1"})
	b, _ := reg.CreateSession(ctx, Session{UserID: "u1"})
	other, _ := reg.CreateSession(ctx, Session{UserID: "u2"})

	listed, err := reg.ListUserSessions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(listed))
	}

	n, err := reg.DeleteUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteUserSessions failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 deleted, got %d", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := reg.GetSession(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("session %s survived logout-all", id)
		}
	}
	if _, err := reg.GetSession(ctx, other.ID); err != nil {
		t.Errorf("other user's session affected: %v", err)
	}
}

func TestListUserSessionsPrunesExpired(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	s, _ := reg.CreateSession(ctx, Session{UserID: "u1"})
	mr.Del(sessionKey(s.ID))

	listed, err := reg.ListUserSessions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Fatalf("Expected no live sessions, got %d", len(listed))
	}
	if ok, _ := mr.SIsMember(userSessionsKey("u1"), s.ID); ok {
		t.Error("Expected stale id pruned from user index")
	}
}

func TestRefreshTokens(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	if err := reg.StoreRefreshToken(ctx, "rt1", "u1"); err != nil {
		t.Fatalf("StoreRefreshToken failed: %v", err)
	}
	if err := reg.StoreRefreshToken(ctx, "rt2", "u1"); err != nil {
		t.Fatal(err)
	}

	userID, err := reg.GetRefreshTokenUser(ctx, "rt1")
	if err != nil {
		t.Fatalf("GetRefreshTokenUser failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("Expected u1, got %s", userID)
	}
	if ttl := mr.TTL(refreshKey("rt1")); ttl != 2*time.Hour {
		t.Errorf("Expected TTL 2h, got %v", ttl)
	}

	if err := reg.DeleteRefreshToken(ctx, "rt1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetRefreshTokenUser(ctx, "rt1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	n, err := reg.DeleteUserRefreshTokens(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected 1 remaining token deleted, got %d", n)
	}
	if _, err := reg.GetRefreshTokenUser(ctx, "rt2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUnreachableRedisDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	reg := New(Config{Addr: addr, DialTimeout: 200 * time.Millisecond}, nil)
	defer func() { _ = reg.Close() }()

	ctx := context.Background()
	if _, err := reg.GetSession(ctx, "s1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("GetSession: expected ErrUnavailable, got %v", err)
	}
	if _, err := reg.CreateSession(ctx, Session{UserID: "u1"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("CreateSession: expected ErrUnavailable, got %v", err)
	}
	if err := reg.Healthy(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Healthy: expected ErrUnavailable, got %v", err)
	}
}

func TestHealthy(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	if err := reg.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy failed: %v", err)
	}
}
