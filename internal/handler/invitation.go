package handler

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inviterr/inviterr/internal/invite"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

// InvitationHandler bundles dependencies for the invitation endpoints:
// admin create/inspect plus the public validate and redeem surface.
type InvitationHandler struct {
	Invites *repository.InvitationRepo
	Machine *invite.Machine
}

func NewInvitationHandler(invites *repository.InvitationRepo, machine *invite.Machine) *InvitationHandler {
	return &InvitationHandler{Invites: invites, Machine: machine}
}

// ----- DTOs -----

type createInvitationReq struct {
	Code        string                `json:"code"` // empty = generated
	TierID      *uint64               `json:"tier_id"`
	Unlimited   bool                  `json:"unlimited"`
	Expires     *time.Time            `json:"expires"`
	ServerIDs   []uint64              `json:"server_ids"`
	LinkExpires map[uint64]*time.Time `json:"link_expires"` // per-server overrides
}

type linkResp struct {
	ServerID uint64     `json:"server_id"`
	Used     bool       `json:"used"`
	UsedAt   *time.Time `json:"used_at,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
}

type invitationResp struct {
	ID        uint64     `json:"id"`
	Code      string     `json:"code"`
	TierID    *uint64    `json:"tier_id,omitempty"`
	Unlimited bool       `json:"unlimited"`
	Used      bool       `json:"used"`
	Expires   *time.Time `json:"expires,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Links     []linkResp `json:"links"`
}

type redeemReq struct {
	Username  string                  `json:"username"`
	Email     string                  `json:"email"`
	ServerIDs []uint64                `json:"server_ids"` // empty = all linked servers
	Overrides invite.ProfileOverrides `json:"overrides"`
}

func toInvitationResp(inv model.Invitation) invitationResp {
	resp := invitationResp{
		ID:        inv.ID,
		Code:      inv.Code,
		TierID:    inv.TierID,
		Unlimited: inv.Unlimited,
		Used:      inv.Used,
		Expires:   inv.Expires,
		CreatedAt: inv.CreatedAt,
		Links:     make([]linkResp, 0, len(inv.Links)),
	}
	for _, l := range inv.Links {
		resp.Links = append(resp.Links, linkResp{
			ServerID: l.ServerID,
			Used:     l.Used,
			UsedAt:   l.UsedAt,
			Expires:  l.Expires,
		})
	}
	return resp
}

// Create registers a new invitation with its target server links (admin).
func (h *InvitationHandler) Create(c echo.Context) error {
	var req createInvitationReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if len(req.ServerIDs) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "server_ids required"})
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = newInviteCode()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	inv := model.Invitation{
		Code:      code,
		TierID:    req.TierID,
		Unlimited: req.Unlimited,
		Expires:   req.Expires,
	}
	if err := h.Invites.Create(ctx, &inv, req.ServerIDs, req.LinkExpires); err != nil {
		if errors.Is(err, repository.ErrCodeExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "code already exists"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create invitation failed"})
	}

	created, err := h.Invites.GetByCode(ctx, code)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load invitation failed"})
	}
	return c.JSON(http.StatusCreated, toInvitationResp(created))
}

// List returns all invitations with per-link state (admin).
func (h *InvitationHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	invs, err := h.Invites.List(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list invitations failed"})
	}
	out := make([]invitationResp, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toInvitationResp(inv))
	}
	return c.JSON(http.StatusOK, out)
}

// Audit returns the redemption audit trail for one invitation (admin).
func (h *InvitationHandler) Audit(c echo.Context) error {
	code := c.Param("code")
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	inv, err := h.Invites.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "invitation not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load invitation failed"})
	}
	links, err := h.Invites.UserLinksByInvite(ctx, inv.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load audit failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"invitation":  toInvitationResp(inv),
		"redemptions": links,
	})
}

// Validate checks a code without changing state (public).
func (h *InvitationHandler) Validate(c echo.Context) error {
	code := c.Param("code")
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	inv, outcomes, err := h.Machine.Validate(ctx, code, nil)
	if err != nil {
		return invitationError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"invitation": toInvitationResp(inv),
		"issues":     outcomes,
	})
}

// Redeem claims the invitation's links and provisions accounts (public).
// The response always carries per-server outcomes; partial success is a
// 200, not an error.
func (h *InvitationHandler) Redeem(c echo.Context) error {
	code := c.Param("code")
	var req redeemReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Username) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "username required"})
	}

	// Provisioning calls out to external servers; give them more room
	// than a plain DB round trip.
	ctx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()

	res, err := h.Machine.Redeem(ctx, invite.RedeemRequest{
		Code:      code,
		Username:  strings.TrimSpace(req.Username),
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		Servers:   req.ServerIDs,
		Overrides: req.Overrides,
	})
	if err != nil {
		return invitationError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// invitationError maps machine errors to HTTP statuses. Per-server
// conditions never reach here; they travel inside the outcome list.
func invitationError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "invitation not found"})
	case errors.Is(err, repository.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "invitation expired"})
	case errors.Is(err, repository.ErrExhausted):
		return c.JSON(http.StatusGone, echo.Map{"error": "invitation exhausted"})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "redeem failed"})
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newInviteCode returns a 10-character code from an alphabet without
// easily confused characters.
func newInviteCode() string {
	b := make([]byte, 10)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
