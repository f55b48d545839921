package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/reports/internal/config"
	"github.com/ehr/reports/internal/domain/obsperiod"
	"github.com/ehr/reports/internal/fixture"
)

const clinicFixture = "../../internal/fixture/testdata/clinic.yaml"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEvaluateCommand_Fixture(t *testing.T) {
	out, err := runCLI(t, "evaluate", "--fixture", clinicFixture,
		"--concept", "5497", "--date", "2024-04-15", "--granularity", "quarterly", "--qualifier", "last")
	if err != nil {
		t.Fatalf("evaluate error: %v", err)
	}

	var got evaluationOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.Window.String() != "2024-04-01..2024-06-30" {
		t.Errorf("unexpected window: %s", got.Window)
	}
	values := map[string]any{}
	for _, r := range got.Results {
		values[r.Patient] = r.Value
	}
	if len(values) != 2 || values["amina"] != 420.0 || values["brian"] != 210.0 {
		t.Errorf("unexpected results: %v", values)
	}
}

func TestEvaluateCommand_Patients(t *testing.T) {
	out, err := runCLI(t, "evaluate", "--fixture", clinicFixture,
		"--concept", "5497", "--date", "2024-04-15", "--qualifier", "FIRST", "--patients", "brian")
	if err != nil {
		t.Fatalf("evaluate error: %v", err)
	}
	var got evaluationOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(got.Results) != 1 || got.Results[0].Patient != "brian" || got.Results[0].Value != 210.0 {
		t.Errorf("unexpected results: %+v", got.Results)
	}
}

func TestEvaluateCommand_Report(t *testing.T) {
	out, err := runCLI(t, "evaluate", "--fixture", clinicFixture,
		"--report", "art-quarterly-followup", "--date", "2024-04-15")
	if err != nil {
		t.Fatalf("evaluate error: %v", err)
	}
	var got reportOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(got.Columns) != 24 || len(got.Rows) != 3 {
		t.Fatalf("expected 24 columns and 3 rows, got %d and %d", len(got.Columns), len(got.Rows))
	}
	for _, row := range got.Rows {
		if row.Patient == "chen" && row.Values["tb_status_q0"] != "not assessed" {
			t.Errorf("unexpected chen row: %v", row.Values)
		}
	}
}

func TestEvaluateCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing date", []string{"--concept", "5497"}, "date"},
		{"bad date", []string{"--date", "15-04-2024"}, "YYYY-MM-DD"},
		{"unknown report", []string{"--date", "2024-04-15", "--report", "nope"}, "unknown report definition"},
		{"unknown patient", []string{"--date", "2024-04-15", "--patients", "zoe"}, "patient"},
		{"unknown concept", []string{"--date", "2024-04-15", "--concept", "0000"}, "unknown concept"},
		{"bad granularity", []string{"--date", "2024-04-15", "--granularity", "weekly"}, "granularity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"evaluate", "--fixture", clinicFixture}, tt.args...)
			_, err := runCLI(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEvaluateCommand_RequiresDatabaseWithoutFixture(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := runCLI(t, "evaluate", "--date", "2024-04-15", "--concept", "5497")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("expected DATABASE_URL error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Errorf("unexpected log output: %s", buf.String())
	}

	if got := newLogger(&config.Config{LogLevel: "bogus"}, io.Discard).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info level fallback, got %s", got)
	}
}

func TestNewServer_Routes(t *testing.T) {
	ds, err := fixture.LoadFile(clinicFixture)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	cfg := &config.Config{Env: "production", AuthSigningKey: "secret", ReportTimezone: "UTC", EvalConcurrency: 2}
	svc, err := newService(cfg, ds.Executor, ds.Dictionary, obsperiod.SystemClock{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newService() error: %v", err)
	}
	e := newServer(cfg, nil, svc, zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected health ok, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/definitions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestNewService_BadTimezone(t *testing.T) {
	if _, err := newService(&config.Config{ReportTimezone: "Mars/Olympus"}, nil, nil, nil, zerolog.Nop()); err == nil {
		t.Error("expected timezone error")
	}
}
