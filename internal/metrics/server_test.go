package metrics

import (
	"net/http/httptest"
	"testing"
)

func TestHandlerServesExpositionFormat(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if ct == "" {
		t.Fatalf("expected a Content-Type header")
	}
}

func TestNewRegistryGathers(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least the process/go collectors to report metrics")
	}
}

func TestUptimeIsPositive(t *testing.T) {
	if Uptime() <= 0 {
		t.Fatalf("expected a positive uptime")
	}
}
