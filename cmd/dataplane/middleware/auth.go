package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/maxdp/dataplane/common/config"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// IdentityKey is the context key for the extracted caller identity
	IdentityKey ContextKey = "identity"
)

// Identity is the optional authenticated caller attached to a request
type Identity struct {
	UserID      string
	Username    string
	WorkspaceID string
	IsAdmin     bool
}

// AuthProvider resolves a request into an identity, or nil when the
// request is anonymous. The default provider trusts upstream gateway
// headers; production deployments put a real verifier here.
type AuthProvider interface {
	Resolve(c echo.Context) (*Identity, error)
}

// HeaderAuthProvider extracts identity from X-User-ID, X-Username,
// X-Workspace-ID, and X-Admin headers set by the fronting gateway.
type HeaderAuthProvider struct {
	AdminToken string
}

// Resolve reads the identity headers. Anonymous requests resolve to nil
// without error.
func (p *HeaderAuthProvider) Resolve(c echo.Context) (*Identity, error) {
	userID := c.Request().Header.Get("X-User-ID")
	admin := c.Request().Header.Get("X-Admin")

	isAdmin := admin == "true"
	if p.AdminToken != "" {
		isAdmin = admin == p.AdminToken
	}

	if userID == "" && !isAdmin {
		return nil, nil
	}

	username := c.Request().Header.Get("X-Username")
	if username == "" {
		username = userID
	}

	return &Identity{
		UserID:      userID,
		Username:    username,
		WorkspaceID: c.Request().Header.Get("X-Workspace-ID"),
		IsAdmin:     isAdmin,
	}, nil
}

// ExtractIdentity resolves the caller through the provider and stores the
// result in the request context. Anonymous requests pass through.
func ExtractIdentity(provider AuthProvider) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := provider.Resolve(c)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "invalid credentials",
				})
			}
			if identity != nil {
				c.Set(string(IdentityKey), identity)
			}
			return next(c)
		}
	}
}

// GetIdentity retrieves the identity from the request context, nil when
// the caller is anonymous.
func GetIdentity(c echo.Context) *Identity {
	v := c.Get(string(IdentityKey))
	if v == nil {
		return nil
	}
	return v.(*Identity)
}

// RequireAdmin rejects non-admin callers with 403
func RequireAdmin(cfg config.AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.RequireAdmin {
				return next(c)
			}
			identity := GetIdentity(c)
			if identity == nil || !identity.IsAdmin {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error": "admin access required",
				})
			}
			return next(c)
		}
	}
}
