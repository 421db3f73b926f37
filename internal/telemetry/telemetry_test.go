package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true, 0)
	defer c.Shutdown()

	labels := map[string]string{"component": "engine"}
	c.Counter("records", 1, labels)
	c.Counter("records", 2, labels)
	c.Gauge("sessions", 4, nil)
	c.Gauge("sessions", 1, nil)
	c.Timer("latency", 30*time.Millisecond, labels)
	c.Timer("latency", 10*time.Millisecond, labels)

	metrics := c.GetMetrics()
	if len(metrics) != 3 {
		t.Fatalf("expected 3 series, got %d", len(metrics))
	}
	byName := map[string]Metric{}
	for _, m := range metrics {
		byName[m.Name] = m
	}
	if got := byName["records"].Value; got != 3 {
		t.Errorf("counter value %v, want 3", got)
	}
	if got := byName["sessions"].Value; got != 1 {
		t.Errorf("gauge value %v, want 1", got)
	}
	lat := byName["latency"]
	if lat.Value != 40 || lat.Count != 2 || lat.Unit != "ms" {
		t.Errorf("timer = %+v", lat)
	}
}

func TestCollectorLabelsSplitSeries(t *testing.T) {
	c := NewCollector(true, 0)
	c.Counter("requests", 1, map[string]string{"status": "200"})
	c.Counter("requests", 1, map[string]string{"status": "500"})
	c.Counter("requests", 1, map[string]string{"status": "200"})
	if n := len(c.GetMetrics()); n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}
}

func TestDisabledCollectorIgnoresEverything(t *testing.T) {
	c := NewCollector(false, time.Millisecond)
	c.Counter("x", 1, nil)
	c.Timer("y", time.Second, nil)
	if n := len(c.GetMetrics()); n != 0 {
		t.Fatalf("expected no metrics, got %d", n)
	}
	c.Shutdown()
}

func TestGlobalCollector(t *testing.T) {
	c := InitGlobal(true, 0)
	defer InitGlobal(false, 0)
	CounterGlobal("hits", 1, nil)
	GaugeGlobal("depth", 7, nil)
	TimerGlobal("wait", time.Millisecond, nil)
	if GetGlobal() != c {
		t.Fatalf("global collector not replaced")
	}
	if n := len(c.GetMetrics()); n != 3 {
		t.Fatalf("expected 3 series, got %d", n)
	}
}

func TestMonitorRoutes(t *testing.T) {
	c := NewCollector(true, 0)
	c.Counter("autostudy_subsections_recorded", 2, map[string]string{"component": "engine"})
	c.Gauge("autostudy_host_sessions", 1, nil)
	m := NewMonitor(c)
	mux := http.NewServeMux()
	m.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE autostudy_subsections_recorded counter",
		`autostudy_subsections_recorded{component="engine"} 2`,
		"# TYPE autostudy_host_sessions gauge",
		"autostudy_host_sessions 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	var metrics []Metric
	if err := json.Unmarshal(rr.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(metrics))
	}
}

func TestHealthStatus(t *testing.T) {
	m := NewMonitor(NewCollector(false, 0))
	mux := http.NewServeMux()
	m.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}

	m.RegisterHealthCheck("store", func() HealthCheck {
		return HealthCheck{Status: HealthStatusDegraded, Message: "slow"}
	})
	checks, overall := m.runHealthChecks()
	if overall != HealthStatusDegraded {
		t.Fatalf("overall %s, want degraded", overall)
	}
	if len(checks) != 2 || checks[1].Name != "store" {
		t.Fatalf("unexpected checks %+v", checks)
	}

	m.RegisterHealthCheck("redis", func() HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "down"}
	})
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rr.Code)
	}
}
