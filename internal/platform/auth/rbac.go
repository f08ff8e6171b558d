package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin            = "admin"
	RoleEnrolmentOfficer = "enrolment_officer"
	RoleSchemeAdmin      = "scheme_admin"
	RoleClaimAdmin       = "claim_admin"
	RoleReceptionist     = "receptionist"
	RoleViewer           = "viewer"
)

// Role sets guarding the insuree API.
var (
	ReadRoles      = []string{RoleEnrolmentOfficer, RoleSchemeAdmin, RoleClaimAdmin, RoleReceptionist, RoleViewer}
	WriteRoles     = []string{RoleEnrolmentOfficer, RoleSchemeAdmin}
	DeleteRoles    = []string{RoleSchemeAdmin}
	PhotoReadRoles = []string{RoleEnrolmentOfficer, RoleSchemeAdmin}
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the user in ctx holds one of roles or is an admin.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin || slices.Contains(roles, has) {
			return true
		}
	}
	return false
}

func IsAdmin(ctx context.Context) bool {
	return slices.Contains(RolesFromContext(ctx), RoleAdmin)
}
