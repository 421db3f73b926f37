package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/internal/telemetry"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	maxBufferedEvents = 1000
	subscriberBuffer  = 256
)

// Session is one run owned by the host. It buffers the run's events for
// status polling and fans them out to live subscribers.
type Session struct {
	ID        string
	CreatedAt time.Time
	engine    *core.Engine

	mu       sync.Mutex
	events   []api.Event
	progress float64
	userInfo string
	finished bool
	subs     map[chan api.Event]struct{}
}

func newSession(id string) *Session {
	return &Session{ID: id, CreatedAt: time.Now(), subs: map[chan api.Event]struct{}{}}
}

func (s *Session) record(ev api.Event) {
	ev.RunID = s.ID
	ev.Time = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= maxBufferedEvents {
		s.events = append(s.events[:0], s.events[1:]...)
	}
	s.events = append(s.events, ev)
	switch ev.Kind {
	case api.EventProgress:
		s.progress = ev.Percent
	case api.EventUserInfo:
		s.userInfo = ev.UserInfo
	}
	for ch := range s.subs {
		if ev.Kind == api.EventFinished {
			deliverLast(ch, ev)
			continue
		}
		select {
		case ch <- ev:
		default:
			log.Warn().Str("session", s.ID).Str("event", string(ev.Kind)).Msg("subscriber too slow, event dropped")
		}
	}
	if ev.Kind == api.EventFinished {
		s.finished = true
		for ch := range s.subs {
			close(ch)
		}
		s.subs = map[chan api.Event]struct{}{}
	}
}

// deliverLast queues ev on ch, evicting the oldest queued events when the
// subscriber has fallen behind. Callers hold the session lock, so nothing
// else sends on ch meanwhile.
func deliverLast(ch chan api.Event, ev api.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Session) OnLog(message string, severity api.Severity) {
	s.record(api.Event{Kind: api.EventLog, Message: message, Severity: severity})
}

func (s *Session) OnProgress(percent float64) {
	s.record(api.Event{Kind: api.EventProgress, Percent: percent})
}

func (s *Session) OnUserInfo(text string) {
	s.record(api.Event{Kind: api.EventUserInfo, UserInfo: text})
}

func (s *Session) OnFinished(ok bool, total, succeeded int) {
	s.record(api.Event{Kind: api.EventFinished, Success: ok, Total: total, Succeeded: succeeded})
}

// Subscribe returns the events so far and a channel carrying every later
// one. The channel is closed after the Finished event, or by cancel.
func (s *Session) Subscribe() (backlog []api.Event, events <-chan api.Event, cancel func()) {
	ch := make(chan api.Event, subscriberBuffer)
	s.mu.Lock()
	backlog = append([]api.Event(nil), s.events...)
	if s.finished {
		close(ch)
	} else {
		s.subs[ch] = struct{}{}
	}
	s.mu.Unlock()

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return backlog, ch, cancel
}

// Status snapshots the session for polling clients.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		SessionID: s.ID,
		Progress:  s.progress,
		UserInfo:  s.userInfo,
		CreatedAt: s.CreatedAt,
		Logs:      []api.Event{},
	}
	for _, ev := range s.events {
		if ev.Kind == api.EventLog {
			st.Logs = append(st.Logs, ev)
		}
	}
	s.mu.Unlock()
	st.Status = s.engine.State()
	st.Result = s.engine.Result()
	return st
}

// Done is closed when the session's run has ended.
func (s *Session) Done() <-chan struct{} { return s.engine.Done() }

// Stop asks the run to stop at its next checkpoint.
func (s *Session) Stop() { s.engine.Stop() }

// SinkFactory builds an extra sink for a new run, or nil to skip.
type SinkFactory func(runID string) core.CallbackSink

// Manager owns the host's sessions. Each session gets its own engine and an
// immutable snapshot of its request.
type Manager struct {
	platform core.Platform
	opts     core.Options
	ttl      time.Duration
	store    *core.Store
	sinks    []SinkFactory

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager; finished sessions are dropped after ttl.
func NewManager(p core.Platform, opts core.Options, ttl time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		platform: p,
		opts:     opts,
		ttl:      ttl,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*Session{},
	}
}

// UseStore persists every run of the manager in store.
func (m *Manager) UseStore(store *core.Store) { m.store = store }

// AddSink attaches an extra sink to every future run.
func (m *Manager) AddSink(f SinkFactory) { m.sinks = append(m.sinks, f) }

// Start validates and launches a run. Rejected requests create no session.
func (m *Manager) Start(req core.RunRequest) (*Session, error) {
	id := uuid.NewString()
	sess := newSession(id)
	sinks := core.MultiSink{sess, core.NewLogSink(id)}
	if m.store != nil {
		sinks = append(sinks, core.NewStoreSink(m.store, id))
	}
	for _, f := range m.sinks {
		if s := f(id); s != nil {
			sinks = append(sinks, s)
		}
	}
	opts := m.opts
	opts.ID = id
	opts.Rand = nil
	sess.engine = core.NewEngine(m.platform, sinks, opts)
	if m.store != nil {
		m.store.Track(sess.engine, req)
	}
	if err := sess.engine.Start(m.ctx, req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()
	telemetry.GaugeGlobal("autostudy_host_sessions", float64(count), map[string]string{"component": "host"})

	go m.expire(sess)
	return sess, nil
}

func (m *Manager) expire(sess *Session) {
	<-sess.Done()
	log.Debug().Str("session", sess.ID).Dur("ttl", m.ttl).Msg("session finished")
	time.AfterFunc(m.ttl, func() {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		count := len(m.sessions)
		m.mu.Unlock()
		telemetry.GaugeGlobal("autostudy_host_sessions", float64(count), map[string]string{"component": "host"})
	})
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop stops one session.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.Stop()
	return nil
}

// StopAll stops every session still running and reports how many it asked.
func (m *Manager) StopAll() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.engine.State() == api.RunRunning {
			s.Stop()
			n++
		}
	}
	return n
}

// Shutdown stops all runs and waits for them to end or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopAll()
	m.cancel()
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
