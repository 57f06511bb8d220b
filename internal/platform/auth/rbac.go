package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// Actor is the authenticated caller of a scheduling operation.
type Actor struct {
	ID          string
	Roles       []string
	Departments []string
}

func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Capability names an operation class checked against a scope.
type Capability string

const (
	CapScheduleRead  Capability = "schedule:read"
	CapScheduleWrite Capability = "schedule:write"
)

// ErrForbidden is returned by authorizers when the actor lacks the capability.
var ErrForbidden = errors.New("forbidden")

// Authorizer decides whether actor may exercise capability within scope.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, capability Capability, scope string) error
}

// DefaultRoleCapabilities maps roles to the capabilities they grant.
var DefaultRoleCapabilities = map[string][]Capability{
	"physician": {CapScheduleRead, CapScheduleWrite},
	"nurse":     {CapScheduleRead, CapScheduleWrite},
	"registrar": {CapScheduleRead, CapScheduleWrite},
	"notifier":  {CapScheduleRead},
	"auditor":   {CapScheduleRead},
}

// RoleAuthorizer grants a capability when one of the actor's roles carries
// it and the scope is one of the actor's departments. Admins pass every
// check. Anything not explicitly granted is denied.
type RoleAuthorizer struct {
	grants map[string][]Capability
}

// NewRoleAuthorizer builds an authorizer; nil grants uses DefaultRoleCapabilities.
func NewRoleAuthorizer(grants map[string][]Capability) *RoleAuthorizer {
	if grants == nil {
		grants = DefaultRoleCapabilities
	}
	return &RoleAuthorizer{grants: grants}
}

func (a *RoleAuthorizer) Authorize(_ context.Context, actor Actor, capability Capability, scope string) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: anonymous actor", ErrForbidden)
	}
	if actor.HasRole("admin") {
		return nil
	}

	granted := false
	for _, role := range actor.Roles {
		if slices.Contains(a.grants[role], capability) {
			granted = true
			break
		}
	}
	if !granted {
		return fmt.Errorf("%w: %s lacks %s", ErrForbidden, actor.ID, capability)
	}
	if !slices.Contains(actor.Departments, "*") && !slices.Contains(actor.Departments, scope) {
		return fmt.Errorf("%w: %s not permitted in scope %q", ErrForbidden, actor.ID, scope)
	}
	return nil
}
