package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/casemerge/internal/config"
	"github.com/ehr/casemerge/internal/merge"
	"github.com/ehr/casemerge/internal/platform/sessionstore"
	"github.com/ehr/casemerge/internal/platform/telemetry"
)

func testServer(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	telemetry.NewMetrics(reg).SessionCreated("case")
	return newEcho(serverDeps{
		cfg: &config.Config{
			Env:            "production",
			AuthSigningKey: "test-secret",
			DefaultTenant:  "default",
			MergeRoles:     []string{"merge_operator"},
			BodyLimit:      "64K",
			CORSOrigins:    []string{"http://localhost:3000"},
		},
		logger:   zerolog.Nop(),
		sessions: sessionstore.NewMemory(time.Hour),
		gatherer: reg,
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewEcho_PublicEndpoints(t *testing.T) {
	h := testServer(t)

	rec := serve(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("expected healthy 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on every response")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = serve(h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "merge_sessions_created_total") {
		t.Errorf("expected merge metrics, got %d", rec.Code)
	}
}

func TestNewEcho_APIRequiresToken(t *testing.T) {
	h := testServer(t)
	rec := serve(h, http.MethodPost, "/api/v1/merge/cases/sessions")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"status=B", " notes =a=b", "email="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []assignment{{"status", "B"}, {"notes", "a=b"}, {"email", ""}}
	if len(got) != len(want) {
		t.Fatalf("expected %d assignments, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("assignment %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	for _, bad := range []string{"status", "=B"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestPrintDescriptions(t *testing.T) {
	var buf bytes.Buffer
	printDescriptions(&buf, nil)
	if !strings.Contains(buf.String(), "identical") {
		t.Errorf("unexpected output for no differences: %q", buf.String())
	}

	buf.Reset()
	printDescriptions(&buf, []merge.Description{
		{Label: "Local case ID", Source: merge.SourceA, ValueA: "L-1", ValueB: "L-2", Value: "L-1", Highlight: true},
		{Label: "Notes", Source: merge.SourceB, ValueB: "seen", Value: "seen"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[1], "* Local case ID") || !strings.HasPrefix(lines[2], "  Notes") {
		t.Errorf("unexpected rows: %q", lines[1:])
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	survivor, discarded := uuid.New(), uuid.New()
	printResult(&buf, survivor, discarded, map[string]int64{"task": 2, "case_contact": 1}, 1)
	out := buf.String()
	if !strings.Contains(out, "Merged "+discarded.String()+" into "+survivor.String()) {
		t.Errorf("missing summary line: %q", out)
	}
	if strings.Index(out, "case_contact") > strings.Index(out, "task") {
		t.Error("expected relations sorted by name")
	}
	if !strings.Contains(out, "1 audit entry written") {
		t.Errorf("unexpected audit line: %q", out)
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		l := newLogger(&config.Config{Env: "production", LogLevel: tt.level})
		if l.GetLevel() != tt.want {
			t.Errorf("LogLevel %q: expected %s, got %s", tt.level, tt.want, l.GetLevel())
		}
	}
}
