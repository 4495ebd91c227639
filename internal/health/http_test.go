package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestHealthzHandler(t *testing.T) {
	rec := serve(HealthzHandler(Fixed(true, "")))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthy: %d %q", rec.Code, rec.Body.String())
	}

	rec = serve(HealthzHandler(Fixed(false, "database down")))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database down") {
		t.Fatalf("unhealthy: %d %q", rec.Code, rec.Body.String())
	}

	if rec := serve(HealthzHandler(nil)); rec.Code != http.StatusOK {
		t.Fatalf("nil probe: status = %d, want 200", rec.Code)
	}
}

func TestReadyzHandler_FollowsGate(t *testing.T) {
	var gate ShutdownGate
	h := ReadyzHandler(gate.Probe())

	rec := serve(h)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ready") {
		t.Fatalf("open: %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}

	gate.Set("draining")
	if rec := serve(h); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining: status = %d, want 503", rec.Code)
	}
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var r report
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return r
}

func TestStatusHandler(t *testing.T) {
	failing := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := serve(StatusHandler(
		Component{Name: "db", Probe: Fixed(true, ""), Critical: true},
		Component{Name: "kv", Probe: Fixed(true, "")},
	))
	if r := decodeReport(t, rec); rec.Code != http.StatusOK || r.Status != "ok" {
		t.Fatalf("all ok: %d %+v", rec.Code, r)
	}

	rec = serve(StatusHandler(
		Component{Name: "db", Probe: Fixed(true, ""), Critical: true},
		Component{Name: "kv", Probe: failing},
	))
	r := decodeReport(t, rec)
	if rec.Code != http.StatusOK || r.Status != "degraded" {
		t.Fatalf("kv down: %d %+v", rec.Code, r)
	}
	if r.Components["kv"].Error != "connection refused" {
		t.Fatalf("kv component = %+v", r.Components["kv"])
	}

	rec = serve(StatusHandler(
		Component{Name: "db", Probe: failing, Critical: true},
		Component{Name: "kv", Probe: failing},
	))
	if r := decodeReport(t, rec); rec.Code != http.StatusServiceUnavailable || r.Status != "fail" {
		t.Fatalf("db down: %d %+v", rec.Code, r)
	}
}
