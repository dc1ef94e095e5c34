package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// UserHeader carries the pre-authenticated caller identity. Authentication
// happens upstream; this service only authorizes.
const UserHeader = "X-User-Id"

// Middleware wires capability checks into HTTP routes. The tenant comes from
// the tenantID route parameter and the subject from the UserHeader header.
// When Enabled is false every check passes, which keeps single-tenant and
// bootstrap deployments usable before any role exists.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
	Enabled bool
}

// RequireAny admits the request when the caller holds at least one of the
// capabilities, evaluated in the order given.
func (m Middleware) RequireAny(capabilities ...string) func(http.Handler) http.Handler {
	return m.guard(capabilities, func(r *http.Request, tenantID, userID string) (Decision, error) {
		return m.Service.CheckAnyPermission(r.Context(), tenantID, userID, capabilities)
	})
}

// RequireAll admits the request only when the caller holds every capability.
func (m Middleware) RequireAll(capabilities ...string) func(http.Handler) http.Handler {
	return m.guard(capabilities, func(r *http.Request, tenantID, userID string) (Decision, error) {
		return m.Service.CheckPermissions(r.Context(), tenantID, userID, capabilities)
	})
}

func (m Middleware) guard(capabilities []string, check func(*http.Request, string, string) (Decision, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.Enabled || len(capabilities) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			tenantID := chi.URLParam(r, "tenantID")
			userID := strings.TrimSpace(r.Header.Get(UserHeader))
			if tenantID == "" || userID == "" {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			decision, err := check(r, tenantID, userID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("capability guard", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !decision.Allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
