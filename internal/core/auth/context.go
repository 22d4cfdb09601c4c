// Package auth provides the request actor context consumed by the policy
// gate. The identity service in front of the gateway validates credentials
// and injects the actor's tenant, user and roles as headers.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// =============================================================================
// Types
// =============================================================================

// Context represents the authenticated actor for a request.
type Context struct {
	// TenantID is the tenant the actor belongs to (from X-Tenant-Id).
	TenantID string

	// UserID is the authenticated user id (from X-User-Id).
	UserID string

	// Username is the human-readable user name (from X-User-Name).
	Username string

	// Roles lists the actor's role names (from X-Roles, comma separated).
	Roles []string

	// Authenticated indicates whether the request carried an identity.
	Authenticated bool
}

// HasRole reports whether the actor holds the named role.
func (c Context) HasRole(name string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderTenantID is the header containing the actor's tenant id.
	HeaderTenantID = "X-Tenant-Id"

	// HeaderUserID is the header containing the authenticated user's id.
	HeaderUserID = "X-User-Id"

	// HeaderUsername is the header containing the user name.
	HeaderUsername = "X-User-Name"

	// HeaderRoles is the header containing the comma-separated role list.
	HeaderRoles = "X-Roles"
)

// =============================================================================
// Context Extraction
// =============================================================================

// HeaderGetter is an interface for getting header values.
// This allows testing without requiring an http.Request.
type HeaderGetter interface {
	Get(key string) string
}

type headerGetter struct {
	r *http.Request
}

func (h headerGetter) Get(key string) string {
	return h.r.Header.Get(key)
}

// ExtractFromRequest extracts the actor context from HTTP request headers.
// If X-User-Id is not present, returns an unauthenticated context.
func ExtractFromRequest(r *http.Request) Context {
	return ExtractFromHeaders(headerGetter{r: r})
}

// ExtractFromHeaders extracts the actor context using the HeaderGetter
// interface. This is a pure function with no HTTP dependencies.
func ExtractFromHeaders(headers HeaderGetter) Context {
	userID := headers.Get(HeaderUserID)
	if userID == "" {
		return Context{Authenticated: false}
	}

	var roles []string
	if raw := headers.Get(HeaderRoles); raw != "" {
		for _, r := range strings.Split(raw, ",") {
			if role := strings.TrimSpace(r); role != "" {
				roles = append(roles, role)
			}
		}
	}

	return Context{
		TenantID:      headers.Get(HeaderTenantID),
		UserID:        userID,
		Username:      headers.Get(HeaderUsername),
		Roles:         roles,
		Authenticated: true,
	}
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the actor context in the request context.
func WithContext(ctx context.Context, actor Context) context.Context {
	return context.WithValue(ctx, authContextKey, actor)
}

// FromContext retrieves the actor context from the request context.
// If none is found, returns an unauthenticated context.
func FromContext(ctx context.Context) Context {
	if actor, ok := ctx.Value(authContextKey).(Context); ok {
		return actor
	}
	return Context{Authenticated: false}
}

// =============================================================================
// Helper Types for Testing
// =============================================================================

// MapHeaderGetter wraps a map to implement the HeaderGetter interface.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
