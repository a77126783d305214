package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestDebugMuxHealth verifies the debug health endpoint
func TestDebugMuxHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewDebugMux().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Expected 'OK', got '%s'", rec.Body.String())
	}
}

// TestDebugMuxMetrics verifies recorded values are exported
func TestDebugMuxMetrics(t *testing.T) {
	RecordDisconnect("validation")
	RecordMessage("in", 1, 42)
	UpdateConnections(3)

	rec := httptest.NewRecorder()
	NewDebugMux().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`replica_disconnects_total{reason="validation"}`,
		`replica_messages_total{command="1",direction="in"}`,
		"replica_connections_active 3",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected metrics to contain %s", want)
		}
	}
}

// TestBasicAuth verifies the debug server credentials check
func TestBasicAuth(t *testing.T) {
	handler := basicAuthMiddleware("ops", "secret", NewDebugMux())

	tests := []struct {
		name     string
		user     string
		pass     string
		withAuth bool
		expected int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "ops", "guess", true, http.StatusUnauthorized},
		{"valid", "ops", "secret", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			if tt.withAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}

// TestDefaultDebugConfig verifies the debug server binds to localhost by default
func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()
	if !cfg.Enabled {
		t.Error("Expected the debug server enabled by default")
	}
	if cfg.ListenAddr != "127.0.0.1:6060" {
		t.Errorf("Expected '127.0.0.1:6060', got '%s'", cfg.ListenAddr)
	}
}
