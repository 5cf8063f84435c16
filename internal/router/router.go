// Package router registers the HTTP surface: public invitation and
// activity callbacks plus the JWT-protected admin API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/inviterr/inviterr/internal/handler"
	"github.com/inviterr/inviterr/internal/middleware"
	"github.com/inviterr/inviterr/internal/repository"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Auth          *handler.AuthHandler
	Invitations   *handler.InvitationHandler
	Servers       *handler.ServerHandler
	Tiers         *handler.TierHandler
	Identities    *handler.IdentityHandler
	Subscriptions *handler.SubscriptionHandler
	Activity      *handler.ActivityHandler
}

// RegisterRoutes mounts the health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth mounts registration (first-run setup), login and token
// endpoints under /v1/auth, plus the authenticated /v1/me.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/refresh-access", a.RefreshAccess)
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	auth.Use(middleware.RequireRole(repository.RoleAdmin))
	auth.GET("/me", a.Me)
}

// RegisterPublic mounts the unauthenticated invitation surface. Someone
// holding a code can inspect and redeem it without an account; that is
// the whole point of invitations.
func RegisterPublic(e *echo.Echo, h Handlers) {
	e.GET("/v1/invitations/:code", h.Invitations.Validate)
	e.POST("/v1/invitations/:code/redeem", h.Invitations.Redeem)
}

// RegisterCallbacks mounts the playback callbacks media servers push
// into. These carry no admin JWT; deploys are expected to restrict them
// at the network layer.
func RegisterCallbacks(e *echo.Echo, h Handlers) {
	g := e.Group("/v1/activity")
	g.POST("/sessions", h.Activity.OpenSession)
	g.POST("/sessions/snapshot", h.Activity.AppendSnapshot)
	g.POST("/sessions/close", h.Activity.CloseSession)
}

// RegisterAdmin mounts the management API under /v1/admin, protected by
// JWT auth and the ADMIN role.
func RegisterAdmin(e *echo.Echo, h Handlers, jwtSecret string) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(repository.RoleAdmin))

	// Invitations.
	g.POST("/invitations", h.Invitations.Create)
	g.GET("/invitations", h.Invitations.List)
	g.GET("/invitations/:code/audit", h.Invitations.Audit)

	// Media server registry.
	g.POST("/servers", h.Servers.Create)
	g.GET("/servers", h.Servers.List)
	g.PATCH("/servers/:id/enabled", h.Servers.SetEnabled)
	g.GET("/servers/:id/libraries", h.Servers.Libraries)

	// Tier tree and entitlements.
	g.POST("/tiers", h.Tiers.Create)
	g.GET("/tiers", h.Tiers.List)
	g.PATCH("/tiers/:id", h.Tiers.Update)
	g.DELETE("/tiers/:id", h.Tiers.Delete)
	g.POST("/tiers/:id/entitlements", h.Tiers.AddEntitlement)
	g.DELETE("/tiers/:id/entitlements/:entitlement_id", h.Tiers.RemoveEntitlement)
	g.GET("/tiers/:id/entitlements/effective", h.Tiers.Effective)

	// Identities and account attachment.
	g.POST("/identities", h.Identities.Create)
	g.GET("/identities", h.Identities.List)
	g.GET("/identities/:id", h.Identities.Get)
	g.DELETE("/identities/:id", h.Identities.Delete)
	g.POST("/identities/:id/accounts/:account_id", h.Identities.AttachAccount)
	g.DELETE("/accounts/:account_id/identity", h.Identities.DetachAccount)

	// Subscriptions (fed by the payment collaborator).
	g.POST("/identities/:id/subscriptions", h.Subscriptions.Upsert)
	g.GET("/identities/:id/subscriptions", h.Subscriptions.List)
	g.GET("/identities/:id/subscriptions/active", h.Subscriptions.Active)
	g.DELETE("/subscriptions/:subscription_id", h.Subscriptions.Cancel)

	// Activity inspection and historical imports.
	g.GET("/activity/:server_id/sessions/:session_id", h.Activity.GetSession)
	g.GET("/activity/:server_id/summary", h.Activity.Summary)
	g.POST("/imports", h.Activity.CreateImport)
	g.GET("/imports/:job_id", h.Activity.GetImport)
	g.POST("/imports/:job_id/cancel", h.Activity.CancelImport)
	g.GET("/servers/:server_id/imports", h.Activity.ListImports)
}
