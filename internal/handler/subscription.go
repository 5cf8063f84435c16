package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

// SubscriptionHandler records tier assignments fed by the payment
// collaborator. Rows arrive pre-validated; the engine never parses
// provider wire formats.
type SubscriptionHandler struct {
	Subs *repository.SubscriptionRepo
}

func NewSubscriptionHandler(subs *repository.SubscriptionRepo) *SubscriptionHandler {
	return &SubscriptionHandler{Subs: subs}
}

type upsertSubscriptionReq struct {
	TierID      uint64     `json:"tier_id"`
	ExternalRef *string    `json:"external_ref"`
	ActiveFrom  time.Time  `json:"active_from"`
	ActiveUntil *time.Time `json:"active_until"` // nil = open ended, exclusive bound otherwise
}

// Upsert records a new active subscription for an identity, cancelling
// any prior active one.
func (h *SubscriptionHandler) Upsert(c echo.Context) error {
	identityID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req upsertSubscriptionReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.TierID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "tier_id required"})
	}
	if req.ActiveFrom.IsZero() {
		req.ActiveFrom = time.Now().UTC()
	}
	if req.ActiveUntil != nil && !req.ActiveUntil.After(req.ActiveFrom) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "active_until must be after active_from"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	sub := model.UserSubscription{
		IdentityID:  identityID,
		TierID:      req.TierID,
		Status:      model.SubscriptionActive,
		ExternalRef: req.ExternalRef,
		ActiveFrom:  req.ActiveFrom.UTC(),
		ActiveUntil: req.ActiveUntil,
	}
	if err := h.Subs.Upsert(ctx, &sub); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "identity or tier not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "save subscription failed"})
	}
	return c.JSON(http.StatusCreated, sub)
}

// List returns an identity's subscriptions, newest first. Pass
// ?include_inactive=true for the full history.
func (h *SubscriptionHandler) List(c echo.Context) error {
	identityID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	includeInactive := c.QueryParam("include_inactive") == "true"

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	subs, err := h.Subs.ListByIdentity(ctx, identityID, includeInactive)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list subscriptions failed"})
	}
	return c.JSON(http.StatusOK, subs)
}

// Active returns the identity's currently honored subscription, if any.
func (h *SubscriptionHandler) Active(c echo.Context) error {
	identityID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	sub, err := h.Subs.ActiveForIdentity(ctx, identityID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "no active subscription"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load subscription failed"})
	}
	return c.JSON(http.StatusOK, sub)
}

// Cancel ends a subscription immediately.
func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	subID, err := strconv.ParseUint(c.Param("subscription_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Subs.Cancel(ctx, subID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "subscription not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "cancel subscription failed"})
	}
	return c.NoContent(http.StatusNoContent)
}
