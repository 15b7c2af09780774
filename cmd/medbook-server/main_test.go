package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/config"
	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/internal/platform/db"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "info",
		Store:                 config.StoreMemory,
		ViewCacheTTL:          time.Minute,
		CORSOrigins:           []string{"http://localhost:3000"},
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		RequestTimeout:        5 * time.Second,
		SlotMinutes:           30,
		MinAppointmentMinutes: 30,
		MaxAppointmentMinutes: 120,
		MaxBlockSpanDays:      366,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func serve(a *app, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestBuildApp_Health(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	for _, path := range []string{"/health", "/health/db"} {
		rec := serve(a, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestBuildApp_DevAuthBookingFlow(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	patient := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	if rec := serve(a, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity headers, got %d", rec.Code)
	}

	body := `{"doctor_id":"` + uuid.NewString() + `","date":"2099-01-05","time":"10:00"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", patient.String())
	req.Header.Set("X-User-Role", auth.RolePatient)
	rec := serve(a, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/unavailability", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", patient.String())
	req.Header.Set("X-User-Role", auth.RolePatient)
	if rec := serve(a, req); rec.Code != http.StatusForbidden {
		t.Errorf("patients cannot block time, got %d", rec.Code)
	}
}

func TestBuildApp_JWT(t *testing.T) {
	cfg := memoryConfig()
	cfg.AuthSigningKey = "0123456789abcdef0123456789abcdef"
	a := newTestApp(t, cfg)

	jwtCfg := auth.JWTConfig{SigningKey: []byte(cfg.AuthSigningKey)}
	token, err := auth.IssueToken(jwtCfg, uuid.New(), auth.RolePatient, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := serve(a, req); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	expired, err := auth.IssueToken(jwtCfg, uuid.New(), auth.RolePatient, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := serve(a, req)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "session_expired") {
		t.Errorf("expected session_expired 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}

	cfg.LogLevel = "nonsense"
	if got := newLogger(cfg, &buf).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info level fallback, got %s", got)
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "availability", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "next", Applied: false},
	})
	out := buf.String()
	for _, want := range []string{"schema: public", "applied", "2026-03-01 12:00:00", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	for _, name := range []string{"up", "status"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
		if f := sub.Flags().Lookup("schema"); f == nil || f.DefValue != db.DefaultSchema {
			t.Errorf("%s: unexpected schema flag %+v", name, f)
		}
	}
}
