package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testSigningKey = "0123456789abcdef0123456789abcdef-test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeSink writes audit entries straight to the store.
type storeSink struct{ store Store }

func (s storeSink) Record(ctx context.Context, e AuditEntry) {
	_ = s.store.Audit(ctx).Append(ctx, &e)
}

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	clock  *fakeClock
	hasher BcryptHasher
}

func newTestEnv(t testing.TB, opts ...ServiceOption) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	hasher := NewBcryptHasher(bcrypt.MinCost)
	tokens, err := NewTokenIssuer(testSigningKey, "wms-test", "wms-clients", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	base := []ServiceOption{WithClock(clock.Now), WithHasher(hasher), WithAuditSink(storeSink{store})}
	svc, err := NewService(store, tokens, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &testEnv{svc: svc, store: store, clock: clock, hasher: hasher}
}

// addUser stores an active user with the given password and roles.
func (e *testEnv) addUser(t testing.TB, id, password string, roles ...string) {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := e.clock.Now()
	e.store.PutUser(&User{
		ID:                id,
		DisplayName:       id,
		PasswordHash:      hash,
		PasswordChangedAt: &now,
		Status:            UserStatusActive,
		Roles:             roles,
	})
}

func (e *testEnv) user(t testing.TB, id string) *User {
	t.Helper()
	u, err := e.store.Users(context.Background()).Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

func (e *testEnv) actions(recordID string) []string {
	var out []string
	for _, a := range e.store.AuditEntries() {
		if a.RecordID == recordID {
			out = append(out, a.Action)
		}
	}
	return out
}
