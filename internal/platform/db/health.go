package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequiredTables are the tables an evaluation reads.
var RequiredTables = []string{"concept", "concept_set_member", "encounter", "obs"}

// Readiness describes whether a tenant schema can serve evaluations.
type Readiness struct {
	Tenant  string   `json:"tenant"`
	Schema  string   `json:"schema,omitempty"`
	Ready   bool     `json:"ready"`
	Applied int      `json:"applied_migrations"`
	Pending []string `json:"pending_migrations,omitempty"`
	Missing []string `json:"missing_tables,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type schemaInspector interface {
	Ping(ctx context.Context) error
	LoadMigrations() ([]Migration, error)
	Tables(ctx context.Context, schema string) (map[string]bool, error)
	Applied(ctx context.Context, schema string) (map[int]time.Time, error)
}

// CheckReadiness reports whether tenant's schema exists, holds every
// required table and has no pending migrations. It never creates
// anything.
func CheckReadiness(ctx context.Context, insp schemaInspector, tenant string) Readiness {
	r := Readiness{Tenant: tenant}

	schema, err := SchemaName(tenant)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Schema = schema

	if err := insp.Ping(ctx); err != nil {
		r.Error = "database unreachable: " + err.Error()
		return r
	}

	migrations, err := insp.LoadMigrations()
	if err != nil {
		r.Error = err.Error()
		return r
	}

	tables, err := insp.Tables(ctx, schema)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	for _, t := range RequiredTables {
		if !tables[t] {
			r.Missing = append(r.Missing, t)
		}
	}

	applied := map[int]time.Time{}
	if tables["_migrations"] {
		if applied, err = insp.Applied(ctx, schema); err != nil {
			r.Error = err.Error()
			return r
		}
	}
	r.Applied = len(applied)
	for _, mig := range Pending(migrations, applied) {
		r.Pending = append(r.Pending, mig.Name)
	}

	r.Ready = len(r.Missing) == 0 && len(r.Pending) == 0
	return r
}

// HealthHandler serves tenant readiness. The tenant comes from the
// X-Tenant-ID header or tenant_id query parameter, else defaultTenant.
// Unready tenants get 503.
func HealthHandler(m *Migrator, defaultTenant string) echo.HandlerFunc {
	return healthHandler(m, defaultTenant)
}

func healthHandler(insp schemaInspector, defaultTenant string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		r := CheckReadiness(ctx, insp, extractTenantID(c, defaultTenant))
		if !r.Ready {
			return c.JSON(http.StatusServiceUnavailable, r)
		}
		return c.JSON(http.StatusOK, r)
	}
}
