// Package invite implements the invitation state machine: validating a
// code against its targets and redeeming it into provisioned accounts.
// Per-server links are claimed with a conditional update so exactly one
// caller wins a race on the same link; servers are otherwise handled
// independently, and partial success is a normal outcome.
package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/entitlement"
	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/provision"
	"github.com/inviterr/inviterr/internal/queue"
	"github.com/inviterr/inviterr/internal/repository"
)

// ExhaustPolicy decides when a limited invitation flips its aggregate
// used flag: after every link is redeemed, or after the first success.
type ExhaustPolicy string

const (
	// PolicyAll exhausts the invitation only once all server links are used.
	PolicyAll ExhaustPolicy = "all"
	// PolicyAny exhausts the invitation on the first provisioned server.
	PolicyAny ExhaustPolicy = "any"
)

// ParsePolicy maps a configuration string to a policy, defaulting to
// PolicyAll for the empty string.
func ParsePolicy(s string) (ExhaustPolicy, error) {
	switch ExhaustPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAll:
		return PolicyAll, nil
	case PolicyAny:
		return PolicyAny, nil
	}
	return "", fmt.Errorf("invalid exhaust policy %q", s)
}

// OutcomeStatus classifies what happened at one target server.
type OutcomeStatus string

const (
	OutcomeProvisioned   OutcomeStatus = "provisioned"
	OutcomeAlreadyUsed   OutcomeStatus = "already_used"
	OutcomeFailed        OutcomeStatus = "failed"
	OutcomeExpired       OutcomeStatus = "expired"
	OutcomeUnknownServer OutcomeStatus = "unknown_server"
)

// ServerOutcome is the per-server result of a redemption. The call as a
// whole never collapses to a single pass/fail; each server stands alone.
type ServerOutcome struct {
	ServerID uint64         `json:"server_id"`
	Status   OutcomeStatus  `json:"status"`
	Account  *model.Account `json:"account,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Store is the invitation persistence surface the machine needs.
// *repository.InvitationRepo satisfies it; tests use in-memory fakes.
type Store interface {
	GetByCode(ctx context.Context, code string) (model.Invitation, error)
	ClaimLink(ctx context.Context, inviteID, serverID uint64, now time.Time) error
	ReleaseLink(ctx context.Context, inviteID, serverID uint64) error
	AllLinksUsed(ctx context.Context, inviteID uint64) (bool, error)
	MarkUsed(ctx context.Context, inviteID uint64) error
	InsertUserLink(ctx context.Context, link *model.InvitationUserLink) error
	CompleteUserLink(ctx context.Context, linkID, accountID uint64) error
	FailUserLink(ctx context.Context, linkID uint64) error
}

// Accounts persists provisioned accounts.
type Accounts interface {
	Create(ctx context.Context, a *model.Account) error
}

// Servers resolves registered media servers.
type Servers interface {
	GetByID(ctx context.Context, id uint64) (model.MediaServer, error)
}

// Provisioner submits account-creation work and delivers a tagged
// result per task. *provision.Coordinator satisfies it.
type Provisioner interface {
	Submit(ctx context.Context, server model.MediaServer, profile mediaserver.DesiredProfile) <-chan provision.Result
}

// Resolver yields the current entitlement snapshot.
type Resolver interface {
	Snapshot(ctx context.Context) (*entitlement.Snapshot, error)
}

// Notifier publishes domain events. Delivery failures are logged by the
// implementation and never fail a redemption.
type Notifier interface {
	Publish(ctx context.Context, queueName string, event any) error
}

// Machine drives invitation validation and redemption.
type Machine struct {
	store    Store
	accounts Accounts
	servers  Servers
	prov     Provisioner
	resolver Resolver
	notify   Notifier
	policy   ExhaustPolicy
	log      zerolog.Logger
	now      func() time.Time
}

// NewMachine wires a Machine. notify may be nil when no broker is
// configured.
func NewMachine(store Store, accounts Accounts, servers Servers, prov Provisioner, resolver Resolver, notify Notifier, policy ExhaustPolicy, log zerolog.Logger) *Machine {
	return &Machine{
		store:    store,
		accounts: accounts,
		servers:  servers,
		prov:     prov,
		resolver: resolver,
		notify:   notify,
		policy:   policy,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Policy exposes the configured exhaust policy.
func (m *Machine) Policy() ExhaustPolicy { return m.policy }

// Validate checks a code against the requested target servers without
// changing any state. An empty targetServers means every linked server.
// Global failures (unknown code, expired, exhausted) are returned as an
// error; per-server conditions come back as outcomes with status
// already_used, expired or unknown_server. A nil outcome slice with a
// nil error means every requested link is redeemable.
func (m *Machine) Validate(ctx context.Context, code string, targetServers []uint64) (model.Invitation, []ServerOutcome, error) {
	now := m.now()
	inv, err := m.store.GetByCode(ctx, code)
	if err != nil {
		return model.Invitation{}, nil, err
	}
	if inv.Expired(now) {
		return inv, nil, repository.ErrExpired
	}
	if inv.Used && !inv.Unlimited {
		return inv, nil, repository.ErrExhausted
	}

	links, unknown := selectLinks(&inv, targetServers)
	var outcomes []ServerOutcome
	for _, id := range unknown {
		outcomes = append(outcomes, ServerOutcome{ServerID: id, Status: OutcomeUnknownServer})
	}
	for _, l := range links {
		switch {
		case l.Expired(now):
			outcomes = append(outcomes, ServerOutcome{ServerID: l.ServerID, Status: OutcomeExpired})
		case l.Used:
			outcomes = append(outcomes, ServerOutcome{ServerID: l.ServerID, Status: OutcomeAlreadyUsed})
		}
	}
	return inv, outcomes, nil
}

// RedeemRequest carries everything a redemption needs. Servers empty
// means all servers linked to the invitation.
type RedeemRequest struct {
	Code      string
	Username  string
	Email     string
	Servers   []uint64
	Overrides ProfileOverrides
}

// RedeemResult aggregates the per-server outcomes of one redemption
// call plus whether the invitation exhausted as a consequence.
type RedeemResult struct {
	Outcomes  []ServerOutcome `json:"outcomes"`
	Exhausted bool            `json:"exhausted"`
}

// pending tracks one in-flight provisioning task between the claim pass
// and the drain pass.
type pending struct {
	idx      int
	serverID uint64
	linkID   uint64
	profile  mediaserver.DesiredProfile
	reply    <-chan provision.Result
}

// Redeem claims each requested server link, provisions an account per
// won claim, and rolls back links whose provisioning failed. Claims and
// submissions happen before any result is awaited so a slow server
// cannot delay the others.
func (m *Machine) Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	now := m.now()
	if req.Username == "" {
		return RedeemResult{}, errors.New("username is required")
	}
	inv, err := m.store.GetByCode(ctx, req.Code)
	if err != nil {
		return RedeemResult{}, err
	}
	if inv.Expired(now) {
		return RedeemResult{}, repository.ErrExpired
	}
	if inv.Used && !inv.Unlimited {
		return RedeemResult{}, repository.ErrExhausted
	}

	base, err := m.baseProfile(ctx, &inv, req)
	if err != nil {
		return RedeemResult{}, err
	}

	links, unknown := selectLinks(&inv, req.Servers)
	outcomes := make([]ServerOutcome, 0, len(links)+len(unknown))
	for _, id := range unknown {
		outcomes = append(outcomes, ServerOutcome{ServerID: id, Status: OutcomeUnknownServer})
	}

	var inflight []pending
	for _, l := range links {
		idx := len(outcomes)
		outcomes = append(outcomes, ServerOutcome{ServerID: l.ServerID})
		o := &outcomes[idx]

		if l.Expired(now) {
			o.Status = OutcomeExpired
			continue
		}
		if err := m.store.ClaimLink(ctx, inv.ID, l.ServerID, now); err != nil {
			switch {
			case errors.Is(err, repository.ErrServerAlreadyUsed):
				o.Status = OutcomeAlreadyUsed
			case errors.Is(err, repository.ErrNotFound):
				o.Status = OutcomeUnknownServer
			default:
				o.Status = OutcomeFailed
				o.Reason = err.Error()
			}
			continue
		}

		audit := &model.InvitationUserLink{
			InviteID: inv.ID,
			ServerID: l.ServerID,
			Username: req.Username,
			UsedAt:   now,
		}
		if err := m.store.InsertUserLink(ctx, audit); err != nil {
			m.rollback(ctx, &inv, l.ServerID, 0, req.Username, err)
			o.Status = OutcomeFailed
			o.Reason = err.Error()
			continue
		}

		srv, err := m.servers.GetByID(ctx, l.ServerID)
		if err == nil && !srv.Enabled {
			err = fmt.Errorf("server %d is disabled", l.ServerID)
		}
		if err != nil {
			m.rollback(ctx, &inv, l.ServerID, audit.ID, req.Username, err)
			o.Status = OutcomeFailed
			o.Reason = err.Error()
			continue
		}

		profile := base
		if l.Expires != nil && (profile.Expires == nil || l.Expires.Before(*profile.Expires)) {
			exp := *l.Expires
			profile.Expires = &exp
		}
		inflight = append(inflight, pending{
			idx:      idx,
			serverID: l.ServerID,
			linkID:   audit.ID,
			profile:  profile,
			reply:    m.prov.Submit(ctx, srv, profile),
		})
	}

	for _, p := range inflight {
		o := &outcomes[p.idx]
		res := <-p.reply
		if res.Err != nil {
			m.rollback(ctx, &inv, p.serverID, p.linkID, req.Username, res.Err)
			o.Status = OutcomeFailed
			o.Reason = res.Err.Error()
			continue
		}
		acct, err := m.recordAccount(ctx, p, res.Account, req, now)
		if err != nil {
			m.rollback(ctx, &inv, p.serverID, p.linkID, req.Username, err)
			o.Status = OutcomeFailed
			o.Reason = err.Error()
			continue
		}
		o.Status = OutcomeProvisioned
		o.Account = acct
	}

	result := RedeemResult{Outcomes: outcomes}
	result.Exhausted = m.settleExhaustion(ctx, &inv, outcomes)
	m.publishRedeemed(ctx, &inv, req.Username, outcomes, result.Exhausted, now)
	return result, nil
}

// rollback reverts a claimed link after a post-claim failure: the link
// flips back to unused so retry stays possible, while the audit row is
// marked failed so the attempt remains diagnosable.
func (m *Machine) rollback(ctx context.Context, inv *model.Invitation, serverID, linkID uint64, username string, cause error) {
	if err := m.store.ReleaseLink(ctx, inv.ID, serverID); err != nil {
		m.log.Error().Err(err).Uint64("server_id", serverID).Str("code", inv.Code).Msg("release link failed")
	}
	if linkID != 0 {
		if err := m.store.FailUserLink(ctx, linkID); err != nil {
			m.log.Error().Err(err).Uint64("link_id", linkID).Msg("mark audit row failed")
		}
	}
	m.log.Warn().Err(cause).Uint64("server_id", serverID).Str("code", inv.Code).Msg("provisioning rolled back")
	if m.notify != nil {
		_ = m.notify.Publish(ctx, queue.ProvisioningFailedQueue, queue.ProvisioningFailedEvent{
			Code:     inv.Code,
			Username: username,
			ServerID: serverID,
			Reason:   cause.Error(),
			FailedAt: m.now().Format(time.RFC3339),
		})
	}
}

// recordAccount persists the provisioned account and completes the
// audit row.
func (m *Machine) recordAccount(ctx context.Context, p pending, ref mediaserver.AccountRef, req RedeemRequest, now time.Time) (*model.Account, error) {
	acct := &model.Account{
		ServerID:    p.serverID,
		ExternalRef: ref.ID,
		Username:    ref.Username,
		Expires:     p.profile.Expires,
		CreatedAt:   now,
	}
	if req.Email != "" {
		email := req.Email
		acct.Email = &email
	}
	if len(p.profile.Libraries) > 0 {
		libs := strings.Join(p.profile.Libraries, ",")
		acct.LibraryAccess = &libs
	}
	if raw, err := json.Marshal(p.profile); err == nil {
		s := string(raw)
		acct.RawPolicy = &s
	}
	if err := m.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}
	if err := m.store.CompleteUserLink(ctx, p.linkID, acct.ID); err != nil {
		return nil, err
	}
	return acct, nil
}

// settleExhaustion applies the configured policy. Unlimited invitations
// never flip; MarkUsed additionally guards on the unlimited column so a
// racing admin edit cannot exhaust one.
func (m *Machine) settleExhaustion(ctx context.Context, inv *model.Invitation, outcomes []ServerOutcome) bool {
	if inv.Unlimited {
		return false
	}
	provisioned := false
	for _, o := range outcomes {
		if o.Status == OutcomeProvisioned {
			provisioned = true
			break
		}
	}
	exhaust := false
	switch m.policy {
	case PolicyAny:
		exhaust = provisioned
	default: // PolicyAll
		if provisioned {
			all, err := m.store.AllLinksUsed(ctx, inv.ID)
			if err != nil {
				m.log.Error().Err(err).Str("code", inv.Code).Msg("exhaustion check failed")
				return false
			}
			exhaust = all
		}
	}
	if !exhaust {
		return false
	}
	if err := m.store.MarkUsed(ctx, inv.ID); err != nil {
		m.log.Error().Err(err).Str("code", inv.Code).Msg("mark invitation used failed")
		return false
	}
	return true
}

func (m *Machine) publishRedeemed(ctx context.Context, inv *model.Invitation, username string, outcomes []ServerOutcome, exhausted bool, now time.Time) {
	if m.notify == nil {
		return
	}
	var ok, failed []uint64
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeProvisioned:
			ok = append(ok, o.ServerID)
		case OutcomeFailed:
			failed = append(failed, o.ServerID)
		}
	}
	if len(ok) == 0 {
		return
	}
	_ = m.notify.Publish(ctx, queue.InvitationRedeemedQueue, queue.InvitationRedeemedEvent{
		Code:       inv.Code,
		Username:   username,
		ServerIDs:  ok,
		FailedIDs:  failed,
		TierID:     inv.TierID,
		Exhausted:  exhausted,
		RedeemedAt: now.Format(time.RFC3339),
	})
}

// baseProfile builds the desired account profile from the invitation's
// tier grants, then applies the request's explicit overrides on top.
func (m *Machine) baseProfile(ctx context.Context, inv *model.Invitation, req RedeemRequest) (mediaserver.DesiredProfile, error) {
	p := mediaserver.DesiredProfile{
		Username: req.Username,
		Email:    req.Email,
		Expires:  inv.Expires,
	}
	if inv.TierID != nil {
		snap, err := m.resolver.Snapshot(ctx)
		if err != nil {
			return p, err
		}
		grants, err := snap.EffectiveEntitlements(*inv.TierID)
		if err != nil {
			return p, err
		}
		applyGrants(&p, grants)
	}
	req.Overrides.apply(&p)
	return p, nil
}

// applyGrants translates resolved entitlement grants into concrete
// profile fields. Unknown resource types are ignored so new grant
// vocabulary can roll out ahead of provisioning support.
func applyGrants(p *mediaserver.DesiredProfile, grants []entitlement.Grant) {
	for _, g := range grants {
		switch g.ResourceType {
		case entitlement.ResourceLibrary:
			p.Libraries = append(p.Libraries, g.ResourceID)
		case entitlement.ResourceFeature:
			switch g.ResourceID {
			case entitlement.FeatureDownloads:
				p.AllowDownloads = true
			case entitlement.FeatureLiveTV:
				p.AllowLiveTV = true
			case entitlement.FeatureUploads:
				p.AllowUploads = true
			}
		case entitlement.ResourceSessionLimit:
			if n, err := strconv.Atoi(g.ResourceID); err == nil && n > 0 {
				p.SessionLimit = n
			}
		}
	}
}

// ProfileOverrides are invitation-request adjustments layered over the
// tier-derived profile. Nil pointer fields leave the base value alone.
type ProfileOverrides struct {
	Libraries      []string   `json:"libraries,omitempty"`
	AllowDownloads *bool      `json:"allow_downloads,omitempty"`
	AllowLiveTV    *bool      `json:"allow_live_tv,omitempty"`
	AllowUploads   *bool      `json:"allow_uploads,omitempty"`
	SessionLimit   *int       `json:"session_limit,omitempty"`
	Expires        *time.Time `json:"expires,omitempty"`
}

func (ov ProfileOverrides) apply(p *mediaserver.DesiredProfile) {
	if len(ov.Libraries) > 0 {
		p.Libraries = append([]string(nil), ov.Libraries...)
	}
	if ov.AllowDownloads != nil {
		p.AllowDownloads = *ov.AllowDownloads
	}
	if ov.AllowLiveTV != nil {
		p.AllowLiveTV = *ov.AllowLiveTV
	}
	if ov.AllowUploads != nil {
		p.AllowUploads = *ov.AllowUploads
	}
	if ov.SessionLimit != nil {
		p.SessionLimit = *ov.SessionLimit
	}
	if ov.Expires != nil {
		exp := ov.Expires.UTC()
		p.Expires = &exp
	}
}

// selectLinks resolves the requested server ids against the
// invitation's links. Empty request means all links. Requested ids
// without a link come back separately as unknown.
func selectLinks(inv *model.Invitation, requested []uint64) (links []model.InvitationServerLink, unknown []uint64) {
	if len(requested) == 0 {
		return inv.Links, nil
	}
	byServer := make(map[uint64]model.InvitationServerLink, len(inv.Links))
	for _, l := range inv.Links {
		byServer[l.ServerID] = l
	}
	seen := make(map[uint64]bool, len(requested))
	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true
		if l, ok := byServer[id]; ok {
			links = append(links, l)
		} else {
			unknown = append(unknown, id)
		}
	}
	return links, unknown
}
