package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/provision"
	"github.com/inviterr/inviterr/internal/repository"
)

// ServerHandler manages the media server registry and proxies library
// listings off the backends.
type ServerHandler struct {
	Servers *repository.ServerRepo
	Clients provision.ClientFunc
}

func NewServerHandler(servers *repository.ServerRepo, clients provision.ClientFunc) *ServerHandler {
	return &ServerHandler{Servers: servers, Clients: clients}
}

type createServerReq struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	BaseURL  string `json:"base_url"`
	APIToken string `json:"api_token"`
}

// serverResp never echoes the API token back.
type serverResp struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	BaseURL   string    `json:"base_url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func toServerResp(s model.MediaServer) serverResp {
	return serverResp{ID: s.ID, Name: s.Name, Kind: s.Kind, BaseURL: s.BaseURL, Enabled: s.Enabled, CreatedAt: s.CreatedAt}
}

// Create registers a media server backend.
func (h *ServerHandler) Create(c echo.Context) error {
	var req createServerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Name = strings.TrimSpace(req.Name)
	req.BaseURL = strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	if req.Name == "" || req.BaseURL == "" || req.APIToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name/base_url/api_token required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	s := model.MediaServer{
		Name:     req.Name,
		Kind:     strings.ToLower(strings.TrimSpace(req.Kind)),
		BaseURL:  req.BaseURL,
		APIToken: req.APIToken,
		Enabled:  true,
	}
	if err := h.Servers.Create(ctx, &s); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "server name already exists"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create server failed"})
	}
	return c.JSON(http.StatusCreated, toServerResp(s))
}

// List returns all registered servers.
func (h *ServerHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	servers, err := h.Servers.List(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list servers failed"})
	}
	out := make([]serverResp, 0, len(servers))
	for _, s := range servers {
		out = append(out, toServerResp(s))
	}
	return c.JSON(http.StatusOK, out)
}

// SetEnabled toggles whether a server participates in provisioning.
func (h *ServerHandler) SetEnabled(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Servers.SetEnabled(ctx, id, req.Enabled); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "server not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "update server failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// Libraries fetches the shareable libraries off the backend. Used by
// admins when scoping tier entitlements to concrete library ids.
func (h *ServerHandler) Libraries(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	s, err := h.Servers.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "server not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load server failed"})
	}

	libs, err := h.Clients(s).ListLibraries(ctx)
	if err != nil {
		switch {
		case errors.Is(err, mediaserver.ErrAuthFailed):
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "server rejected credentials"})
		case errors.Is(err, mediaserver.ErrUnreachable):
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "server unreachable"})
		}
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "list libraries failed"})
	}
	return c.JSON(http.StatusOK, libs)
}
