package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

// IdentityHandler manages cross-server identities and their account
// attachments.
type IdentityHandler struct {
	Identities *repository.IdentityRepo
	Accounts   *repository.AccountRepo
}

func NewIdentityHandler(identities *repository.IdentityRepo, accounts *repository.AccountRepo) *IdentityHandler {
	return &IdentityHandler{Identities: identities, Accounts: accounts}
}

type createIdentityReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Create registers a new identity.
func (h *IdentityHandler) Create(c echo.Context) error {
	var req createIdentityReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	ident := model.Identity{Name: strings.TrimSpace(req.Name)}
	if email := strings.ToLower(strings.TrimSpace(req.Email)); email != "" {
		ident.Email = &email
	}
	if err := h.Identities.Create(ctx, &ident); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already in use"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create identity failed"})
	}
	return c.JSON(http.StatusCreated, ident)
}

// List returns all identities.
func (h *IdentityHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	idents, err := h.Identities.List(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list identities failed"})
	}
	return c.JSON(http.StatusOK, idents)
}

// Get returns one identity together with its attached accounts.
func (h *IdentityHandler) Get(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	ident, err := h.Identities.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "identity not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load identity failed"})
	}
	accounts, err := h.Accounts.ListByIdentity(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load accounts failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"identity": ident, "accounts": accounts})
}

// Delete removes an identity. Its accounts are detached, not deleted.
func (h *IdentityHandler) Delete(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Identities.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "identity not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "delete identity failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// AttachAccount links an existing account to an identity.
func (h *IdentityHandler) AttachAccount(c echo.Context) error {
	identityID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	accountID, err := strconv.ParseUint(c.Param("account_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid account id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Accounts.AttachIdentity(ctx, accountID, identityID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "account or identity not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "attach account failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// DetachAccount unlinks an account from its identity.
func (h *IdentityHandler) DetachAccount(c echo.Context) error {
	accountID, err := strconv.ParseUint(c.Param("account_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid account id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Accounts.DetachIdentity(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "account not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "detach account failed"})
	}
	return c.NoContent(http.StatusNoContent)
}
