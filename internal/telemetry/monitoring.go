package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// Monitor serves health and metrics endpoints on a host mux.
type Monitor struct {
	collector    *Collector
	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
}

// NewMonitor creates a monitor over a collector with the default checks.
func NewMonitor(collector *Collector) *Monitor {
	m := &Monitor{collector: collector, healthChecks: map[string]func() HealthCheck{}}
	for name, fn := range DefaultHealthChecks() {
		m.RegisterHealthCheck(name, fn)
	}
	return m
}

// Routes registers /health, /metrics and /api/metrics.
func (m *Monitor) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", m.healthHandler)
	mux.HandleFunc("GET /metrics", m.metricsHandler)
	mux.HandleFunc("GET /api/metrics", m.apiMetricsHandler)
}

// RegisterHealthCheck registers a health check function
func (m *Monitor) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	m.mu.Lock()
	m.healthChecks[name] = checkFn
	m.mu.Unlock()
}

func (m *Monitor) runHealthChecks() ([]HealthCheck, HealthStatus) {
	m.mu.RLock()
	names := make([]string, 0, len(m.healthChecks))
	fns := make(map[string]func() HealthCheck, len(m.healthChecks))
	for name, fn := range m.healthChecks {
		names = append(names, name)
		fns[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	overall := HealthStatusHealthy
	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	return checks, overall
}

func (m *Monitor) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, overall := m.runHealthChecks()
	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler provides Prometheus-style metrics
func (m *Monitor) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := map[string]bool{}
	for _, metric := range m.collector.GetMetrics() {
		labelStr := ""
		if len(metric.Labels) > 0 {
			pairs := make([]string, 0, len(metric.Labels))
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}
		if !typed[metric.Name] {
			promType := "gauge"
			if metric.Type == Counter {
				promType = "counter"
			}
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, promType)
			typed[metric.Name] = true
		}
		fmt.Fprintf(w, "%s%s %g\n", metric.Name, labelStr, metric.Value)
	}
}

func (m *Monitor) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.collector.GetMetrics())
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)
			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			if count > 5000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical goroutine count: %d", count)
			}
			return HealthCheck{
				Status:  status,
				Message: message,
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
		},
	}
}
