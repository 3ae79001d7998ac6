package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		jwt    interface{}
		header string
		want   string
	}{
		{"default", nil, "", "default"},
		{"header", nil, "hospital_abc", "hospital_abc"},
		{"jwt", "jwt_tenant", "", "jwt_tenant"},
		{"jwt wins over header", "jwt_tenant", "header_tenant", "jwt_tenant"},
		{"empty jwt falls through", "", "header_tenant", "header_tenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/?tenant_id=ignored", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("extractTenantID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"hospital_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestTenantSchema(t *testing.T) {
	if got := TenantSchema("acme"); got != "tenant_acme" {
		t.Errorf("TenantSchema(acme) = %q", got)
	}
}

func TestWithTenant(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme", nil)
	if got := TenantFromContext(ctx); got != "acme" {
		t.Errorf("expected acme, got %q", got)
	}
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil when context value is wrong type")
	}
	ctx = context.WithValue(context.Background(), TenantIDKey, 12345)
	if tid := TenantFromContext(ctx); tid != "" {
		t.Errorf("expected empty tenant for wrong type, got %q", tid)
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table", ""} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestAcquireTenant_InvalidID(t *testing.T) {
	if _, err := AcquireTenant(context.Background(), nil, "bad-id"); err == nil {
		t.Error("expected error for invalid tenant ID")
	}
}
