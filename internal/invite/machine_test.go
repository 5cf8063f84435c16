package invite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/entitlement"
	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/provision"
	"github.com/inviterr/inviterr/internal/queue"
	"github.com/inviterr/inviterr/internal/repository"
)

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the real repository.
type fakeStore struct {
	mu     sync.Mutex
	inv    model.Invitation
	audits []model.InvitationUserLink
	nextID uint64
}

func newFakeStore(inv model.Invitation) *fakeStore {
	return &fakeStore{inv: inv, nextID: 1}
}

func (s *fakeStore) GetByCode(_ context.Context, code string) (model.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != s.inv.Code {
		return model.Invitation{}, repository.ErrNotFound
	}
	cp := s.inv
	cp.Links = append([]model.InvitationServerLink(nil), s.inv.Links...)
	return cp, nil
}

func (s *fakeStore) ClaimLink(_ context.Context, inviteID, serverID uint64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.inv.Links {
		l := &s.inv.Links[i]
		if l.InviteID != inviteID || l.ServerID != serverID {
			continue
		}
		if l.Used {
			return repository.ErrServerAlreadyUsed
		}
		l.Used = true
		t := now
		l.UsedAt = &t
		return nil
	}
	return repository.ErrNotFound
}

func (s *fakeStore) ReleaseLink(_ context.Context, inviteID, serverID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.inv.Links {
		l := &s.inv.Links[i]
		if l.InviteID == inviteID && l.ServerID == serverID {
			l.Used = false
			l.UsedAt = nil
		}
	}
	return nil
}

func (s *fakeStore) AllLinksUsed(_ context.Context, inviteID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.inv.Links {
		if l.InviteID == inviteID && !l.Used {
			return false, nil
		}
	}
	return true, nil
}

func (s *fakeStore) MarkUsed(_ context.Context, inviteID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inv.ID == inviteID && !s.inv.Unlimited {
		s.inv.Used = true
	}
	return nil
}

func (s *fakeStore) InsertUserLink(_ context.Context, link *model.InvitationUserLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link.ID = s.nextID
	s.nextID++
	s.audits = append(s.audits, *link)
	return nil
}

func (s *fakeStore) CompleteUserLink(_ context.Context, linkID, accountID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audits {
		if s.audits[i].ID == linkID {
			id := accountID
			s.audits[i].AccountID = &id
		}
	}
	return nil
}

func (s *fakeStore) FailUserLink(_ context.Context, linkID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audits {
		if s.audits[i].ID == linkID {
			s.audits[i].Failed = true
		}
	}
	return nil
}

type fakeAccounts struct {
	mu      sync.Mutex
	created []model.Account
	nextID  uint64
}

func (a *fakeAccounts) Create(_ context.Context, acct *model.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	acct.ID = a.nextID
	a.created = append(a.created, *acct)
	return nil
}

type fakeServers struct {
	servers map[uint64]model.MediaServer
}

func (f *fakeServers) GetByID(_ context.Context, id uint64) (model.MediaServer, error) {
	s, ok := f.servers[id]
	if !ok {
		return model.MediaServer{}, repository.ErrNotFound
	}
	return s, nil
}

// fakeProvisioner resolves each submission synchronously through fn.
type fakeProvisioner struct {
	fn func(server model.MediaServer, profile mediaserver.DesiredProfile) (mediaserver.AccountRef, error)
}

func (f *fakeProvisioner) Submit(_ context.Context, server model.MediaServer, profile mediaserver.DesiredProfile) <-chan provision.Result {
	ch := make(chan provision.Result, 1)
	ref, err := f.fn(server, profile)
	ch <- provision.Result{ServerID: server.ID, Account: ref, Err: err}
	return ch
}

type fakeResolver struct {
	snap *entitlement.Snapshot
}

func (f *fakeResolver) Snapshot(context.Context) (*entitlement.Snapshot, error) {
	return f.snap, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]any
}

func (f *fakeNotifier) Publish(_ context.Context, queueName string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string][]any)
	}
	f.events[queueName] = append(f.events[queueName], event)
	return nil
}

func (f *fakeNotifier) count(queueName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[queueName])
}

func okProvisioner() *fakeProvisioner {
	return &fakeProvisioner{fn: func(_ model.MediaServer, p mediaserver.DesiredProfile) (mediaserver.AccountRef, error) {
		return mediaserver.AccountRef{ID: "ext-" + p.Username, Username: p.Username}, nil
	}}
}

func twoServerInvitation() model.Invitation {
	return model.Invitation{
		ID:   7,
		Code: "ABC123",
		Links: []model.InvitationServerLink{
			{ID: 1, InviteID: 7, ServerID: 1},
			{ID: 2, InviteID: 7, ServerID: 2},
		},
	}
}

func fleet() *fakeServers {
	return &fakeServers{servers: map[uint64]model.MediaServer{
		1: {ID: 1, Name: "alpha", Enabled: true},
		2: {ID: 2, Name: "beta", Enabled: true},
	}}
}

func newTestMachine(store Store, servers Servers, prov Provisioner, policy ExhaustPolicy) (*Machine, *fakeAccounts, *fakeNotifier) {
	accounts := &fakeAccounts{}
	notify := &fakeNotifier{}
	m := NewMachine(store, accounts, servers, prov, &fakeResolver{}, notify, policy, zerolog.Nop())
	return m, accounts, notify
}

func outcomeFor(t *testing.T, res RedeemResult, serverID uint64) ServerOutcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.ServerID == serverID {
			return o
		}
	}
	t.Fatalf("no outcome for server %d", serverID)
	return ServerOutcome{}
}

func TestRedeemProvisionsAllServers(t *testing.T) {
	t.Parallel()
	store := newFakeStore(twoServerInvitation())
	m, accounts, notify := newTestMachine(store, fleet(), okProvisioner(), PolicyAll)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "alice"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	for _, sid := range []uint64{1, 2} {
		o := outcomeFor(t, res, sid)
		if o.Status != OutcomeProvisioned {
			t.Errorf("server %d status = %s, want provisioned", sid, o.Status)
		}
		if o.Account == nil || o.Account.ExternalRef != "ext-alice" {
			t.Errorf("server %d account not recorded: %+v", sid, o.Account)
		}
	}
	if len(accounts.created) != 2 {
		t.Errorf("accounts created = %d, want 2", len(accounts.created))
	}
	if !res.Exhausted || !store.inv.Used {
		t.Error("invitation should be exhausted after all links redeemed")
	}
	for _, a := range store.audits {
		if a.Failed || a.AccountID == nil {
			t.Errorf("audit row incomplete: %+v", a)
		}
	}
	if notify.count(queue.InvitationRedeemedQueue) != 1 {
		t.Error("expected one redeemed event")
	}
}

func TestRedeemPartialAlreadyUsed(t *testing.T) {
	t.Parallel()
	inv := twoServerInvitation()
	used := time.Now().UTC()
	inv.Links[0].Used = true
	inv.Links[0].UsedAt = &used
	store := newFakeStore(inv)
	m, _, _ := newTestMachine(store, fleet(), okProvisioner(), PolicyAll)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "bob"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got := outcomeFor(t, res, 1).Status; got != OutcomeAlreadyUsed {
		t.Errorf("server 1 status = %s, want already_used", got)
	}
	if got := outcomeFor(t, res, 2).Status; got != OutcomeProvisioned {
		t.Errorf("server 2 status = %s, want provisioned", got)
	}
	if !res.Exhausted {
		t.Error("both links used, policy all should exhaust")
	}
}

func TestRedeemExactlyOneWinner(t *testing.T) {
	t.Parallel()
	inv := model.Invitation{
		ID:    9,
		Code:  "RACE",
		Links: []model.InvitationServerLink{{ID: 1, InviteID: 9, ServerID: 1}},
	}
	store := newFakeStore(inv)
	servers := &fakeServers{servers: map[uint64]model.MediaServer{1: {ID: 1, Enabled: true}}}
	m, accounts, _ := newTestMachine(store, servers, okProvisioner(), PolicyAll)

	const callers = 16
	results := make([]RedeemResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Redeem(context.Background(), RedeemRequest{Code: "RACE", Username: "u"})
			if err != nil && !errors.Is(err, repository.ErrExhausted) {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		for _, o := range res.Outcomes {
			if o.Status == OutcomeProvisioned {
				wins++
			}
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if len(accounts.created) != 1 {
		t.Errorf("accounts created = %d, want 1", len(accounts.created))
	}
}

func TestRedeemProvisioningFailureRollsBack(t *testing.T) {
	t.Parallel()
	store := newFakeStore(twoServerInvitation())
	prov := &fakeProvisioner{fn: func(server model.MediaServer, p mediaserver.DesiredProfile) (mediaserver.AccountRef, error) {
		if server.ID == 2 {
			return mediaserver.AccountRef{}, mediaserver.ErrUnreachable
		}
		return mediaserver.AccountRef{ID: "ext", Username: p.Username}, nil
	}}
	m, _, notify := newTestMachine(store, fleet(), prov, PolicyAll)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "carol"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got := outcomeFor(t, res, 2).Status; got != OutcomeFailed {
		t.Errorf("server 2 status = %s, want failed", got)
	}
	// The failed link must be retryable again.
	for _, l := range store.inv.Links {
		if l.ServerID == 2 && l.Used {
			t.Error("failed link was not released")
		}
	}
	failedAudits := 0
	for _, a := range store.audits {
		if a.ServerID == 2 && a.Failed {
			failedAudits++
		}
	}
	if failedAudits != 1 {
		t.Errorf("failed audit rows = %d, want 1", failedAudits)
	}
	if res.Exhausted {
		t.Error("policy all must not exhaust while a link is unused")
	}
	if notify.count(queue.ProvisioningFailedQueue) != 1 {
		t.Error("expected one provisioning.failed event")
	}
}

func TestRedeemPolicyAnyExhaustsOnFirstSuccess(t *testing.T) {
	t.Parallel()
	prov := &fakeProvisioner{fn: func(server model.MediaServer, p mediaserver.DesiredProfile) (mediaserver.AccountRef, error) {
		if server.ID == 2 {
			return mediaserver.AccountRef{}, mediaserver.ErrQuotaExceeded
		}
		return mediaserver.AccountRef{ID: "ext", Username: p.Username}, nil
	}}
	store := newFakeStore(twoServerInvitation())
	m, _, _ := newTestMachine(store, fleet(), prov, PolicyAny)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "dave"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.Exhausted {
		t.Error("policy any should exhaust on first provisioned server")
	}
	if !store.inv.Used {
		t.Error("invitation used flag not set")
	}
}

func TestRedeemUnlimitedNeverExhausts(t *testing.T) {
	t.Parallel()
	inv := twoServerInvitation()
	inv.Unlimited = true
	store := newFakeStore(inv)
	m, _, _ := newTestMachine(store, fleet(), okProvisioner(), PolicyAny)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "erin"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Exhausted || store.inv.Used {
		t.Error("unlimited invitation must never exhaust")
	}
}

func TestRedeemGlobalFailures(t *testing.T) {
	t.Parallel()
	past := time.Now().UTC().Add(-time.Hour)
	cases := []struct {
		name string
		inv  model.Invitation
		code string
		want error
	}{
		{"unknown code", twoServerInvitation(), "NOPE", repository.ErrNotFound},
		{"expired", func() model.Invitation {
			i := twoServerInvitation()
			i.Expires = &past
			return i
		}(), "ABC123", repository.ErrExpired},
		{"exhausted", func() model.Invitation {
			i := twoServerInvitation()
			i.Used = true
			return i
		}(), "ABC123", repository.ErrExhausted},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := newFakeStore(tc.inv)
			m, _, _ := newTestMachine(store, fleet(), okProvisioner(), PolicyAll)
			_, err := m.Redeem(context.Background(), RedeemRequest{Code: tc.code, Username: "x"})
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRedeemExpiredLinkSkipped(t *testing.T) {
	t.Parallel()
	past := time.Now().UTC().Add(-time.Minute)
	inv := twoServerInvitation()
	inv.Links[0].Expires = &past
	store := newFakeStore(inv)
	m, _, _ := newTestMachine(store, fleet(), okProvisioner(), PolicyAll)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "frank"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got := outcomeFor(t, res, 1).Status; got != OutcomeExpired {
		t.Errorf("server 1 status = %s, want expired", got)
	}
	if got := outcomeFor(t, res, 2).Status; got != OutcomeProvisioned {
		t.Errorf("server 2 status = %s, want provisioned", got)
	}
}

func TestRedeemUnknownTargetServer(t *testing.T) {
	t.Parallel()
	store := newFakeStore(twoServerInvitation())
	m, _, _ := newTestMachine(store, fleet(), okProvisioner(), PolicyAll)

	res, err := m.Redeem(context.Background(), RedeemRequest{Code: "ABC123", Username: "gail", Servers: []uint64{2, 99}})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got := outcomeFor(t, res, 99).Status; got != OutcomeUnknownServer {
		t.Errorf("server 99 status = %s, want unknown_server", got)
	}
	if got := outcomeFor(t, res, 2).Status; got != OutcomeProvisioned {
		t.Errorf("server 2 status = %s, want provisioned", got)
	}
	// Server 1 was not requested and must stay untouched.
	if store.inv.Links[0].Used {
		t.Error("unrequested link was claimed")
	}
}

func TestValidateReportsPerServerState(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	inv := twoServerInvitation()
	inv.Links[0].Used = true
	inv.Links[0].UsedAt = &now
	store := newFakeStore(inv)
	m, _, _ := newTestMachine(store, fleet(), okProvisioner(), PolicyAll)

	got, outcomes, err := m.Validate(context.Background(), "ABC123", nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Code != "ABC123" {
		t.Errorf("code = %s", got.Code)
	}
	if len(outcomes) != 1 || outcomes[0].ServerID != 1 || outcomes[0].Status != OutcomeAlreadyUsed {
		t.Errorf("outcomes = %+v, want server 1 already_used", outcomes)
	}
}

func TestTierGrantsShapeProfile(t *testing.T) {
	t.Parallel()
	tiers := []model.SubscriptionTier{{ID: 1, Name: "gold", TierLevel: 10}}
	ents := []model.TierEntitlement{
		{TierID: 1, ResourceType: entitlement.ResourceLibrary, ResourceID: "movies"},
		{TierID: 1, ResourceType: entitlement.ResourceLibrary, ResourceID: "tv"},
		{TierID: 1, ResourceType: entitlement.ResourceFeature, ResourceID: entitlement.FeatureDownloads},
		{TierID: 1, ResourceType: entitlement.ResourceSessionLimit, ResourceID: "3"},
	}
	snap, err := entitlement.BuildSnapshot(tiers, ents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	tierID := uint64(1)
	inv := twoServerInvitation()
	inv.TierID = &tierID
	store := newFakeStore(inv)

	var seen []mediaserver.DesiredProfile
	var mu sync.Mutex
	prov := &fakeProvisioner{fn: func(_ model.MediaServer, p mediaserver.DesiredProfile) (mediaserver.AccountRef, error) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return mediaserver.AccountRef{ID: "ext", Username: p.Username}, nil
	}}
	live := true
	m := NewMachine(store, &fakeAccounts{}, fleet(), prov, &fakeResolver{snap: snap}, nil, PolicyAll, zerolog.Nop())

	_, err = m.Redeem(context.Background(), RedeemRequest{
		Code:     "ABC123",
		Username: "henry",
		Overrides: ProfileOverrides{
			AllowLiveTV: &live,
		},
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if len(seen) == 0 {
		t.Fatal("no profiles submitted")
	}
	p := seen[0]
	if len(p.Libraries) != 2 {
		t.Errorf("libraries = %v, want movies+tv", p.Libraries)
	}
	if !p.AllowDownloads {
		t.Error("downloads grant not applied")
	}
	if !p.AllowLiveTV {
		t.Error("live tv override not applied")
	}
	if p.SessionLimit != 3 {
		t.Errorf("session limit = %d, want 3", p.SessionLimit)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	if p, err := ParsePolicy(""); err != nil || p != PolicyAll {
		t.Errorf("empty = %v, %v", p, err)
	}
	if p, err := ParsePolicy(" ANY "); err != nil || p != PolicyAny {
		t.Errorf("any = %v, %v", p, err)
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error for invalid policy")
	}
}
