package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

type sessionKey struct {
	serverID  uint64
	sessionID string
}

// memStore is an in-memory SessionStore with the repository's
// idempotency semantics.
type memStore struct {
	mu        sync.Mutex
	sessions  map[sessionKey]*model.ActivitySession
	snapshots []model.ActivitySnapshot
	nextID    uint64
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[sessionKey]*model.ActivitySession)}
}

func (m *memStore) OpenSession(_ context.Context, s *model.ActivitySession) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey{s.ServerID, s.SessionID}
	if existing, ok := m.sessions[k]; ok {
		s.ID = existing.ID
		return false, nil
	}
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.sessions[k] = &cp
	return true, nil
}

func (m *memStore) AppendSnapshot(_ context.Context, snap *model.ActivitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *memStore) CloseSession(_ context.Context, serverID uint64, sessionID string, endedAt time.Time, finalPositionMs int64, progressPercent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{serverID, sessionID}]
	if !ok {
		return repository.ErrNotFound
	}
	if !s.Active {
		return nil
	}
	s.Active = false
	s.EndedAt = &endedAt
	s.FinalPositionMs = &finalPositionMs
	s.ProgressPercent = &progressPercent
	return nil
}

func (m *memStore) GetSession(_ context.Context, serverID uint64, sessionID string) (model.ActivitySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{serverID, sessionID}]
	if !ok {
		return model.ActivitySession{}, repository.ErrNotFound
	}
	return *s, nil
}

type memAccounts struct {
	byRef map[string]model.Account
}

func (m *memAccounts) FindByServerUser(_ context.Context, serverID uint64, ref string) (model.Account, error) {
	a, ok := m.byRef[fmt.Sprintf("%d/%s", serverID, ref)]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func TestOpenSessionIdempotent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	in := NewIngestor(store, nil, zerolog.Nop())
	req := OpenRequest{ServerID: 1, SessionID: "s-1", MediaTitle: "Film", MediaType: "movie", StartedAt: time.Now()}

	first, created, err := in.OpenSession(context.Background(), req)
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	second, created, err := in.OpenSession(context.Background(), req)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if created {
		t.Error("duplicate open reported created=true")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate open returned a different session: %d vs %d", second.ID, first.ID)
	}
}

func TestOpenSessionLinksKnownAccount(t *testing.T) {
	t.Parallel()
	identityID := uint64(5)
	accounts := &memAccounts{byRef: map[string]model.Account{
		"1/u-9": {ID: 42, ServerID: 1, IdentityID: &identityID},
	}}
	in := NewIngestor(newMemStore(), accounts, zerolog.Nop())

	s, _, err := in.OpenSession(context.Background(), OpenRequest{ServerID: 1, SessionID: "s-2", UserRef: "u-9", StartedAt: time.Now()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.AccountID == nil || *s.AccountID != 42 {
		t.Errorf("account not linked: %+v", s.AccountID)
	}
	if s.IdentityID == nil || *s.IdentityID != 5 {
		t.Errorf("identity not linked: %+v", s.IdentityID)
	}
}

func TestOpenSessionUnknownUserStillRecorded(t *testing.T) {
	t.Parallel()
	in := NewIngestor(newMemStore(), &memAccounts{byRef: map[string]model.Account{}}, zerolog.Nop())

	s, created, err := in.OpenSession(context.Background(), OpenRequest{ServerID: 1, SessionID: "s-3", UserRef: "stranger", StartedAt: time.Now()})
	if err != nil || !created {
		t.Fatalf("open: created=%v err=%v", created, err)
	}
	if s.AccountID != nil {
		t.Error("unknown user must not be linked to an account")
	}
}

func TestAppendSnapshotRequiresSession(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	in := NewIngestor(store, nil, zerolog.Nop())

	err := in.AppendSnapshot(context.Background(), SnapshotRequest{ServerID: 1, SessionID: "nope"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if _, _, err := in.OpenSession(context.Background(), OpenRequest{ServerID: 1, SessionID: "s-4", StartedAt: time.Now()}); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		err := in.AppendSnapshot(context.Background(), SnapshotRequest{
			ServerID: 1, SessionID: "s-4", State: "playing", PositionMs: int64(i * 1000), Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if len(store.snapshots) != 3 {
		t.Errorf("snapshots = %d, want 3", len(store.snapshots))
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	in := NewIngestor(store, nil, zerolog.Nop())
	if _, _, err := in.OpenSession(context.Background(), OpenRequest{ServerID: 1, SessionID: "s-5", StartedAt: time.Now()}); err != nil {
		t.Fatalf("open: %v", err)
	}

	req := CloseRequest{ServerID: 1, SessionID: "s-5", EndedAt: time.Now(), FinalPositionMs: 90000, ProgressPercent: 75}
	if err := in.CloseSession(context.Background(), req); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := in.CloseSession(context.Background(), req); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := in.CloseSession(context.Background(), CloseRequest{ServerID: 1, SessionID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("closing unknown session: err = %v, want ErrNotFound", err)
	}

	s, err := store.GetSession(context.Background(), 1, "s-5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Active || s.FinalPositionMs == nil || *s.FinalPositionMs != 90000 {
		t.Errorf("terminal state not stored: %+v", s)
	}
}
