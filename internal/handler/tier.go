package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inviterr/inviterr/internal/entitlement"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

// TierHandler serves the subscription tier tree and its entitlements.
// Every mutation bumps the resolver's generation so cached snapshots
// reload on the next read.
type TierHandler struct {
	Tiers  *repository.TierRepo
	Loader *entitlement.Loader
}

func NewTierHandler(tiers *repository.TierRepo, loader *entitlement.Loader) *TierHandler {
	return &TierHandler{Tiers: tiers, Loader: loader}
}

// ----- DTOs -----

type createTierReq struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	TierLevel    int     `json:"tier_level"`
	ParentTierID *uint64 `json:"parent_tier_id"`
}

type updateTierReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type addEntitlementReq struct {
	ResourceType    string `json:"resource_type"`
	ResourceID      string `json:"resource_id"`
	IsTierExclusive bool   `json:"is_tier_exclusive"`
}

// Create adds a tier node. Parent and level are immutable afterwards;
// reshaping the tree means creating new tiers.
func (h *TierHandler) Create(c echo.Context) error {
	var req createTierReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	t := model.SubscriptionTier{
		Name:         req.Name,
		Description:  req.Description,
		TierLevel:    req.TierLevel,
		ParentTierID: req.ParentTierID,
	}
	if err := h.Tiers.Create(ctx, &t); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "parent tier not found"})
		case errors.Is(err, repository.ErrConflict):
			return c.JSON(http.StatusConflict, echo.Map{"error": "tier name or level already exists"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create tier failed"})
	}
	h.Loader.Invalidate(ctx)
	return c.JSON(http.StatusCreated, t)
}

// List returns all tiers with their direct entitlements.
func (h *TierHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tiers, ents, err := h.Tiers.LoadAll(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list tiers failed"})
	}
	byTier := make(map[uint64][]model.TierEntitlement)
	for _, e := range ents {
		byTier[e.TierID] = append(byTier[e.TierID], e)
	}
	type tierResp struct {
		model.SubscriptionTier
		Entitlements []model.TierEntitlement `json:"entitlements,omitempty"`
	}
	out := make([]tierResp, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, tierResp{SubscriptionTier: t, Entitlements: byTier[t.ID]})
	}
	return c.JSON(http.StatusOK, out)
}

// Update renames a tier.
func (h *TierHandler) Update(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req updateTierReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Tiers.Update(ctx, id, req.Name, req.Description); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "tier not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "update tier failed"})
	}
	h.Loader.Invalidate(ctx)
	return c.NoContent(http.StatusNoContent)
}

// Delete removes a tier not referenced by any subscription.
func (h *TierHandler) Delete(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Tiers.Delete(ctx, id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "tier not found"})
		case errors.Is(err, repository.ErrConflict):
			return c.JSON(http.StatusConflict, echo.Map{"error": "tier is in use"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "delete tier failed"})
	}
	h.Loader.Invalidate(ctx)
	return c.NoContent(http.StatusNoContent)
}

// AddEntitlement grants a resource to a tier.
func (h *TierHandler) AddEntitlement(c echo.Context) error {
	tierID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req addEntitlementReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ResourceType == "" || req.ResourceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "resource_type/resource_id required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	e := model.TierEntitlement{
		TierID:          tierID,
		ResourceType:    req.ResourceType,
		ResourceID:      req.ResourceID,
		IsTierExclusive: req.IsTierExclusive,
	}
	if err := h.Tiers.AddEntitlement(ctx, &e); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "tier not found"})
		case errors.Is(err, repository.ErrConflict):
			return c.JSON(http.StatusConflict, echo.Map{"error": "entitlement already exists"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "add entitlement failed"})
	}
	h.Loader.Invalidate(ctx)
	return c.JSON(http.StatusCreated, e)
}

// RemoveEntitlement revokes a direct grant.
func (h *TierHandler) RemoveEntitlement(c echo.Context) error {
	entID, err := strconv.ParseUint(c.Param("entitlement_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Tiers.RemoveEntitlement(ctx, entID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "entitlement not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "remove entitlement failed"})
	}
	h.Loader.Invalidate(ctx)
	return c.NoContent(http.StatusNoContent)
}

// Effective resolves a tier's full entitlement set through the
// inheritance chain.
func (h *TierHandler) Effective(c echo.Context) error {
	tierID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	snap, err := h.Loader.Snapshot(ctx)
	if err != nil {
		var cfgErr *entitlement.ConfigurationError
		if errors.As(err, &cfgErr) {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": cfgErr.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load entitlements failed"})
	}
	grants, err := snap.EffectiveEntitlements(tierID)
	if err != nil {
		if errors.Is(err, entitlement.ErrUnknownTier) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "tier not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "resolve entitlements failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"tier_id": tierID, "entitlements": grants})
}
