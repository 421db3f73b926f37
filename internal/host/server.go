package host

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Server exposes the session manager over HTTP.
type Server struct {
	Version string
	// SecretsPath receives credentials from logins with persist set; empty
	// uses the default secrets file.
	SecretsPath string

	manager  *Manager
	platform core.Platform
	store    *core.Store
	monitor  *telemetry.Monitor

	mu  sync.RWMutex
	cfg core.Config

	srv     *http.Server
	closers []func() error
}

// NewServer builds a server. cfg supplies the credentials, courses and
// ranges a start request falls back to, and the optional API token.
func NewServer(cfg core.Config, p core.Platform, m *Manager) *Server {
	return &Server{
		manager:  m,
		platform: p,
		cfg:      cfg,
		monitor:  telemetry.NewMonitor(telemetry.GetGlobal()),
	}
}

// UseStore enables the run history endpoint and the store health check.
func (s *Server) UseStore(store *core.Store) {
	s.store = store
	s.monitor.RegisterHealthCheck("store", func() telemetry.HealthCheck {
		start := time.Now()
		hc := telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusHealthy, Message: "ok", LastChecked: start}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			hc.Status = telemetry.HealthStatusUnhealthy
			hc.Message = err.Error()
		}
		hc.Duration = time.Since(start)
		return hc
	})
}

func (s *Server) config() core.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/config", s.instrument("config", s.handleConfig))
	mux.HandleFunc("POST /api/login", s.instrument("login", s.handleLogin))
	mux.HandleFunc("POST /api/runs", s.instrument("start", s.handleStart))
	mux.HandleFunc("GET /api/runs/{id}", s.instrument("status", s.handleStatus))
	mux.HandleFunc("POST /api/runs/{id}/stop", s.instrument("stop", s.handleStop))
	mux.HandleFunc("POST /api/stop", s.instrument("stop_all", s.handleStopAll))
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/history", s.instrument("history", s.handleHistory))
	s.monitor.Routes(mux)
}

// Handler returns the full handler chain of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.requireToken(mux)
}

// requireToken guards /api/* when a host token is configured. The websocket
// route also accepts the token as a query parameter since browsers cannot
// set headers on the upgrade request.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := s.config().Host.Token
		if tok == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		given := r.Header.Get("X-Auth-Token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			given = strings.TrimPrefix(auth, "Bearer ")
		}
		if given == "" && strings.HasSuffix(r.URL.Path, "/events") {
			given = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(tok)) != 1 {
			telemetry.CounterGlobal("autostudy_host_unauthorized", 1, map[string]string{"component": "host"})
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		telemetry.TimerGlobal("autostudy_host_request_duration", time.Since(start), map[string]string{
			"component": "host",
			"endpoint":  endpoint,
			"status":    fmt.Sprint(rec.status),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	telemetry.CounterGlobal("autostudy_host_heartbeats", 1, map[string]string{
		"component": "host",
		"endpoint":  "heartbeat",
	})
	writeJSON(w, http.StatusOK, HeartbeatResponse{
		Time:     time.Now(),
		Host:     r.Host,
		Version:  s.Version,
		Sessions: s.manager.Len(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConfigResponse{Success: true, Config: s.config().Masked()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	creds := req.credentials()
	if !creds.Complete() {
		writeError(w, http.StatusBadRequest, "token and cookie are required")
		return
	}
	name, err := s.platform.UserName(r.Context(), creds)
	if err != nil {
		log.Info().Err(err).Msg("login rejected")
		writeJSON(w, http.StatusUnauthorized, LoginResponse{Success: false, Message: "login failed: " + err.Error()})
		return
	}

	s.mu.Lock()
	s.cfg.Credentials = creds
	s.mu.Unlock()
	if req.Persist {
		if err := core.SaveCredentials(s.SecretsPath, creds); err != nil {
			log.Error().Err(err).Msg("could not save credentials")
			writeError(w, http.StatusInternalServerError, "could not save credentials")
			return
		}
	}
	writeJSON(w, http.StatusOK, LoginResponse{Success: true, UserInfo: name})
}

// request builds the run request, filling what the body leaves out from the
// server configuration.
func (s *Server) request(body StartRequest) core.RunRequest {
	req := s.config().Request()
	if creds := body.credentials(); creds.Token != "" || creds.Cookie != "" {
		req.Credentials = creds
	}
	if courses := body.courses(); len(courses) > 0 {
		req.Courses = courses
	}
	if body.ChapterRange != nil {
		req.ChapterRange = body.ChapterRange
	}
	if body.SubsectionRange != nil {
		req.SubsectionRange = body.SubsectionRange
	}
	return req
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.manager.Start(s.request(body))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, core.ErrAlreadyStarted) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	log.Info().Str("session", sess.ID).Msg("run started")
	writeJSON(w, http.StatusOK, StartResponse{Success: true, SessionID: sess.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StopResponse{Success: true, Stopped: 1, Message: "stop requested"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	n := s.manager.StopAll()
	writeJSON(w, http.StatusOK, StopResponse{Success: true, Stopped: n, Message: fmt.Sprintf("stop requested for %d runs", n)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	runs, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		log.Error().Err(err).Msg("list runs")
		writeError(w, http.StatusInternalServerError, "could not read run history")
		return
	}
	if runs == nil {
		runs = []core.RunRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Success: true, Runs: runs})
}

// Shutdown stops accepting requests, then stops every run.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	return errors.Join(err, s.manager.Shutdown(ctx))
}

// Close releases the store and redis connections opened by FromConfig.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
