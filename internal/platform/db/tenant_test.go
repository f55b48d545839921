package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		jwt    string
		want   string
	}{
		{"header", "/", "site_kampala", "", "site_kampala"},
		{"query", "/?tenant_id=site_gulu", "", "", "site_gulu"},
		{"jwt wins", "/?tenant_id=q", "h", "jwt_site", "jwt_site"},
		{"header over query", "/?tenant_id=q", "h", "", "h"},
		{"empty jwt ignored", "/", "h", "", "h"},
		{"default", "/", "", "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSchemaName(t *testing.T) {
	valid := []string{"default", "site_01", "Kampala"}
	for _, id := range valid {
		schema, err := SchemaName(id)
		if err != nil {
			t.Errorf("SchemaName(%q) unexpected error: %v", id, err)
		}
		if schema != "tenant_"+id {
			t.Errorf("SchemaName(%q) = %q", id, schema)
		}
	}

	invalid := []string{"", "a-b", "x; DROP TABLE obs", "site.1", "a b"}
	for _, id := range invalid {
		if _, err := SchemaName(id); !errors.Is(err, ErrInvalidTenant) {
			t.Errorf("SchemaName(%q) expected ErrInvalidTenant, got %v", id, err)
		}
	}
}

func TestUseTenant_InvalidID(t *testing.T) {
	ctx, release, err := UseTenant(context.Background(), nil, "bad-id")
	defer release()
	if !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
	if ConnFromContext(ctx) != nil {
		t.Error("expected no connection bound on failure")
	}
}

func TestContextAccessors(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TenantFromContext(context.Background()) != "" {
		t.Error("expected empty tenant from empty context")
	}

	ctx := WithConn(context.Background(), "site_01", nil)
	if got := TenantFromContext(ctx); got != "site_01" {
		t.Errorf("expected site_01, got %q", got)
	}
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn when none bound")
	}

	ctx = context.WithValue(context.Background(), TenantIDKey, 42)
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant for wrong value type")
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "bad-tenant!")
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	h := TenantMiddleware(nil, "default")(func(c echo.Context) error {
		called = true
		return nil
	})

	err := h(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if called {
		t.Error("next handler must not run for an invalid tenant")
	}
}
