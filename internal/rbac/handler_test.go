package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	svc := newTestService(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc, Middleware{Service: svc, Logger: logger, Enabled: false})
	r := chi.NewRouter()
	r.Route("/tenants/{tenantID}", h.MountRoutes)
	return svc, r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateRole(t *testing.T) {
	_, router := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/tenants/t1/roles", map[string]any{
		"name":         "Cashier",
		"description":  "front of house",
		"capabilities": []string{"pos:create-sale"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got roleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "Cashier", got.Name)
	assert.Equal(t, []string{"pos:create-sale"}, got.Capabilities)
}

func TestHandlerCreateRoleRejectsBadInput(t *testing.T) {
	_, router := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/tenants/t1/roles", map[string]any{
		"name": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/tenants/t1/roles", map[string]any{
		"name":         "Cashier",
		"capabilities": []string{"nope"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/tenants/t1/roles", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRoleCRUD(t *testing.T) {
	svc, router := newTestHandler(t)
	role := seedRole(t, svc, "t1", "Cashier", "pos:create-sale")

	rec := doJSON(t, router, http.MethodGet, "/tenants/t1/roles/"+role.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/tenants/t1/roles/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPatch, "/tenants/t1/roles/"+role.ID, map[string]any{
		"name":         "Senior Cashier",
		"capabilities": []string{"pos:refund-sale"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated roleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Senior Cashier", updated.Name)
	assert.Equal(t, []string{"pos:refund-sale"}, updated.Capabilities)

	rec = doJSON(t, router, http.MethodGet, "/tenants/t1/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Roles []roleResponse `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Roles, 1)

	rec = doJSON(t, router, http.MethodDelete, "/tenants/t1/roles/"+role.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerAssignmentAndContext(t *testing.T) {
	svc, router := newTestHandler(t)
	role := seedRole(t, svc, "t1", "Cashier", "pos:create-sale")

	rec := doJSON(t, router, http.MethodPost, "/tenants/t1/users/u1/roles/"+role.ID, map[string]any{
		"assignedBy": "admin",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/tenants/t1/users/u1/roles/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/tenants/t1/users/u1/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles struct {
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	assert.Equal(t, []string{role.ID}, roles.Roles)

	rec = doJSON(t, router, http.MethodGet, "/tenants/t1/users/u1/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pc PolicyContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pc))
	assert.Equal(t, []string{role.ID}, pc.Roles)
	assert.Equal(t, []string{"pos:create-sale"}, pc.Capabilities)

	rec = doJSON(t, router, http.MethodDelete, "/tenants/t1/users/u1/roles/"+role.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/tenants/t1/users/u1/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pc))
	assert.Empty(t, pc.Roles)
	assert.Empty(t, pc.Capabilities)
}

func TestHandlerCheckEndpoints(t *testing.T) {
	svc, router := newTestHandler(t)
	ctx := context.Background()
	role := seedRole(t, svc, "t1", "Cashier", "pos:create-sale")
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{TenantID: "t1", UserID: "u1", RoleID: role.ID}))

	rec := doJSON(t, router, http.MethodPost, "/tenants/t1/check", map[string]any{
		"userId": "u1", "capability": "pos:create-sale",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	require.Len(t, d.GrantedBy, 1)

	rec = doJSON(t, router, http.MethodPost, "/tenants/t1/check/all", map[string]any{
		"userId": "u1", "capabilities": []string{"pos:create-sale", "pos:void-sale"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, "missing capabilities: pos:void-sale", d.Reason)

	rec = doJSON(t, router, http.MethodPost, "/tenants/t1/check/any", map[string]any{
		"userId": "u1", "capabilities": []string{"pos:void-sale", "pos:create-sale"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)

	rec = doJSON(t, router, http.MethodPost, "/tenants/t1/check", map[string]any{
		"userId": "u1", "capability": "not a capability",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerResync(t *testing.T) {
	svc, router := newTestHandler(t)
	ctx := context.Background()
	role := seedRole(t, svc, "t1", "Cashier", "pos:create-sale")
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{TenantID: "t1", UserID: "u1", RoleID: role.ID}))

	svc.Engine().DropRole("t1", role.ID)
	rec := doJSON(t, router, http.MethodPost, "/tenants/t1/resync", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	d, err := svc.CheckPermission(ctx, "t1", "u1", "pos:create-sale")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
