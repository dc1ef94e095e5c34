package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/changerplanet/webwaka-core-permissions/internal/platform/httpx"
)

// Handler exposes the management and query API for one tenant subtree.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	guard    Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard Middleware) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		return ValidCapability(fl.Field().String())
	})
	return &Handler{logger: logger, service: service, validate: v, guard: guard}
}

// MountRoutes registers the API under a /tenants/{tenantID} route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny("rbac:manage-roles"))
		r.Post("/roles", h.createRole)
		r.Patch("/roles/{roleID}", h.updateRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Post("/users/{userID}/roles/{roleID}", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.removeRole)
		r.Post("/resync", h.resync)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny("rbac:read-roles", "rbac:manage-roles"))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{roleID}", h.getRole)
		r.Get("/users/{userID}/roles", h.userRoles)
		r.Get("/users/{userID}/context", h.policyContext)
	})
	// Checks are unguarded: calling services ask on behalf of their own
	// subjects and the answer itself is the access control.
	r.Post("/check", h.check)
	r.Post("/check/all", h.checkAll)
	r.Post("/check/any", h.checkAny)
}

type roleResponse struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func toRoleResponse(r Role) roleResponse {
	caps := r.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return roleResponse{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Name:         r.Name,
		Description:  r.Description,
		Capabilities: caps,
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type createRoleRequest struct {
	Name         string            `json:"name" validate:"required,max=255"`
	Description  string            `json:"description" validate:"max=1000"`
	Capabilities []string          `json:"capabilities" validate:"dive,capability"`
	Metadata     map[string]string `json:"metadata"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), CreateRoleInput{
		TenantID:     chi.URLParam(r, "tenantID"),
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Name         *string           `json:"name" validate:"omitempty,min=1,max=255"`
	Description  *string           `json:"description" validate:"omitempty,max=1000"`
	Capabilities []string          `json:"capabilities" validate:"omitempty,dive,capability"`
	Metadata     map[string]string `json:"metadata"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "roleID"), RoleUpdate{
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

type assignRoleRequest struct {
	AssignedBy string `json:"assignedBy" validate:"omitempty,max=255"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
	}
	err := h.service.AssignRole(r.Context(), AssignRoleInput{
		TenantID:   chi.URLParam(r, "tenantID"),
		UserID:     chi.URLParam(r, "userID"),
		RoleID:     chi.URLParam(r, "roleID"),
		AssignedBy: req.AssignedBy,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveRole(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.UserRoles(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) policyContext(w http.ResponseWriter, r *http.Request) {
	pc, err := h.service.BuildPolicyContext(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if pc.Roles == nil {
		pc.Roles = []string{}
	}
	if pc.Capabilities == nil {
		pc.Capabilities = []string{}
	}
	httpx.JSON(w, http.StatusOK, pc)
}

type checkRequest struct {
	UserID     string `json:"userId" validate:"required,max=255"`
	Capability string `json:"capability" validate:"required,capability"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.service.CheckPermission(r.Context(), chi.URLParam(r, "tenantID"), req.UserID, req.Capability)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

type multiCheckRequest struct {
	UserID       string   `json:"userId" validate:"required,max=255"`
	Capabilities []string `json:"capabilities" validate:"required,min=1,dive,capability"`
}

func (h *Handler) checkAll(w http.ResponseWriter, r *http.Request) {
	h.multiCheck(w, r, h.service.CheckPermissions)
}

func (h *Handler) checkAny(w http.ResponseWriter, r *http.Request) {
	h.multiCheck(w, r, h.service.CheckAnyPermission)
}

func (h *Handler) multiCheck(w http.ResponseWriter, r *http.Request, check func(ctx context.Context, tenantID, userID string, capabilities []string) (Decision, error)) {
	var req multiCheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := check(r.Context(), chi.URLParam(r, "tenantID"), req.UserID, req.Capabilities)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) resync(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resync(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrRoleNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrRoleExists):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
