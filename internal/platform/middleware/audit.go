package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imis/insuree/internal/platform/auth"
)

// AuditEntry describes one access to insuree or family data.
type AuditEntry struct {
	UserID           string
	AuditUserID      int
	UserRoles        []string
	Entity           string // insuree, family, lookup, photo
	EntityUUID       string
	Action           string // read, create, update, delete
	ClientMutationID string
	IPAddress        string
	Path             string
	Method           string
	Timestamp        time.Time
	RequestID        string
	StatusCode       int
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after the handler has run. Recorders, if
// given, receive the entry as well; their failures are logged and swallowed.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			entry := AuditEntry{
				Timestamp:        time.Now().UTC(),
				Path:             path,
				Method:           req.Method,
				IPAddress:        c.RealIP(),
				StatusCode:       c.Response().Status,
				UserID:           auth.UserIDFromContext(ctx),
				AuditUserID:      auth.AuditUserIDFromContext(ctx),
				UserRoles:        auth.RolesFromContext(ctx),
				Action:           httpMethodToAction(req.Method),
				ClientMutationID: req.Header.Get(ClientMutationIDHeader),
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				}
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Entity, entry.EntityUUID = extractEntity(path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Int("audit_user_id", entry.AuditUserID).
				Strs("user_roles", entry.UserRoles).
				Str("entity", entry.Entity).
				Str("entity_uuid", entry.EntityUUID).
				Str("action", entry.Action).
				Str("client_mutation_id", entry.ClientMutationID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("data_access")

			return err
		}
	}
}

// ClientMutationIDHeader carries the caller's mutation id on write requests.
const ClientMutationIDHeader = "X-Client-Mutation-ID"

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// extractEntity maps /api/v1/insurees/{uuid}/... to ("insuree", uuid).
func extractEntity(path string) (string, string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	entity := strings.TrimSuffix(parts[0], "s")
	switch parts[0] {
	case "families":
		entity = "family"
	case "lookups":
		entity = "lookup"
	}
	if len(parts) > 1 {
		if len(parts) > 2 && parts[2] == "photo" {
			return "photo", parts[1]
		}
		return entity, parts[1]
	}
	return entity, ""
}
