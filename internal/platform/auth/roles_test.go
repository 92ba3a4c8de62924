package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseRole(t *testing.T) {
	if _, err := ParseRole("compliance_officer"); err != nil {
		t.Errorf("expected compliance_officer to parse, got %v", err)
	}
	if _, err := ParseRole("janitor"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := ParseRole(""); err == nil {
		t.Error("expected error for empty role")
	}
}

func TestSupersedes(t *testing.T) {
	tests := []struct {
		actor    Role
		required Role
		want     bool
	}{
		{RoleDepartmentHead, RoleDepartmentHead, true},
		{RoleSuperAdmin, RolePrivacyOfficer, true},
		{RoleSuperAdmin, RoleComplianceOfficer, true},
		{RoleMedicalDirector, RoleDepartmentHead, true},
		{RoleMedicalDirector, RoleImmediateSupervisor, true},
		{RoleMedicalDirector, RoleComplianceOfficer, false},
		{RoleComplianceOfficer, RolePrivacyOfficer, true},
		{RolePrivacyOfficer, RoleComplianceOfficer, false},
		{RoleDepartmentHead, RoleImmediateSupervisor, true},
		{RoleImmediateSupervisor, RoleDepartmentHead, false},
		{RoleAttendingPhysician, RolePrivacyOfficer, false},
	}

	for _, tt := range tests {
		got := Supersedes(tt.actor, tt.required)
		if got != tt.want {
			t.Errorf("Supersedes(%s, %s) = %v, want %v", tt.actor, tt.required, got, tt.want)
		}
	}
}

func TestCanActAs(t *testing.T) {
	if !CanActAs([]string{"billing", "department_head"}, RoleImmediateSupervisor) {
		t.Error("expected department_head to act as immediate_supervisor")
	}
	if CanActAs([]string{"billing"}, RoleImmediateSupervisor) {
		t.Error("expected unknown roles to carry no authority")
	}
	if CanActAs(nil, RolePrivacyOfficer) {
		t.Error("expected empty role set to carry no authority")
	}
}

func requestWithRoles(roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequireRole_Allowed(t *testing.T) {
	c, rec := requestWithRoles([]string{"privacy_officer"})

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	h := RequireRole(RolePrivacyOfficer)(handler)
	if err := h(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c, _ := requestWithRoles([]string{"attending_physician"})

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	h := RequireRole(RoleComplianceOfficer)(handler)
	err := h(c)
	if err == nil {
		t.Fatal("expected error for unauthorized role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_SuperAdminBypass(t *testing.T) {
	c, rec := requestWithRoles([]string{"super_admin"})

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	h := RequireRole(RoleComplianceOfficer)(handler)
	if err := h(c); err != nil {
		t.Errorf("expected super_admin to pass, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-1")
	if got := UserIDFromContext(ctx); got != "user-1" {
		t.Errorf("expected user-1, got %s", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %s", got)
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotUser string
	var gotRoles []string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}

	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "dev-user" {
		t.Errorf("expected dev-user, got %s", gotUser)
	}
	if len(gotRoles) != 1 || gotRoles[0] != string(RoleSuperAdmin) {
		t.Errorf("expected [super_admin], got %v", gotRoles)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}

	err := JWTMiddleware(JWTConfig{SigningKey: []byte("secret")})(handler)(c)
	if err == nil {
		t.Fatal("expected error for missing authorization header")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
