package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one row of run history.
type RunRecord struct {
	Result
	CredentialFingerprint string       `json:"credential_fingerprint"`
	Courses               []api.Course `json:"courses"`
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sinks of concurrent runs share the handle
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Fingerprint identifies a credential pair without revealing it.
func Fingerprint(creds api.Credentials) string {
	sum := blake2b.Sum256([]byte(creds.Token + "\x00" + creds.Cookie))
	return hex.EncodeToString(sum[:8])
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateRun inserts a running run.
func (s *Store) CreateRun(ctx context.Context, runID string, req RunRequest, startedAt time.Time) error {
	courses, err := json.Marshal(req.Courses)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, credential_fp, courses, total_courses, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(api.RunRunning), Fingerprint(req.Credentials), string(courses), len(req.Courses), formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final result of a run.
func (s *Store) FinishRun(ctx context.Context, res Result) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, total_courses = ?, successful_courses = ?, failed_courses = ?,
		 recorded = ?, failed = ?, finished_at = ? WHERE id = ?`,
		string(res.Status), res.TotalCourses, res.SuccessfulCourses, res.FailedCourses,
		res.Recorded, res.Failed, formatTime(res.FinishedAt), res.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", res.RunID, sql.ErrNoRows)
	}
	return nil
}

// AppendEvent stores one event of a run.
func (s *Store) AppendEvent(ctx context.Context, ev api.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, kind, level, message, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, string(ev.Kind), string(ev.Severity), ev.Message, string(payload), formatTime(ev.Time))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the events of a run in the order they happened.
func (s *Store) Events(ctx context.Context, runID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, credential_fp, courses, total_courses, successful_courses, failed_courses,
		 recorded, failed, started_at, finished_at FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			rec               RunRecord
			status, courses   string
			started, finished string
		)
		if err := rows.Scan(&rec.RunID, &status, &rec.CredentialFingerprint, &courses,
			&rec.TotalCourses, &rec.SuccessfulCourses, &rec.FailedCourses,
			&rec.Recorded, &rec.Failed, &started, &finished); err != nil {
			return nil, err
		}
		rec.Status = api.RunStatus(status)
		rec.StartedAt = parseTime(started)
		rec.FinishedAt = parseTime(finished)
		if err := json.Unmarshal([]byte(courses), &rec.Courses); err != nil {
			return nil, fmt.Errorf("decode courses of %s: %w", rec.RunID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StoreSink persists every event of one run. Write failures are logged and
// never reach the engine.
type StoreSink struct {
	store *Store
	runID string
}

func NewStoreSink(store *Store, runID string) *StoreSink {
	return &StoreSink{store: store, runID: runID}
}

func (s *StoreSink) append(ev api.Event) {
	ev.RunID = s.runID
	ev.Time = time.Now()
	if err := s.store.AppendEvent(context.Background(), ev); err != nil {
		log.Warn().Err(err).Str("run", s.runID).Msg("could not persist run event")
	}
}

func (s *StoreSink) OnLog(message string, severity api.Severity) {
	s.append(api.Event{Kind: api.EventLog, Message: message, Severity: severity})
}

func (s *StoreSink) OnProgress(percent float64) {
	s.append(api.Event{Kind: api.EventProgress, Percent: percent})
}

func (s *StoreSink) OnUserInfo(text string) {
	s.append(api.Event{Kind: api.EventUserInfo, UserInfo: text})
}

func (s *StoreSink) OnFinished(ok bool, total, succeeded int) {
	s.append(api.Event{Kind: api.EventFinished, Success: ok, Total: total, Succeeded: succeeded})
}

// Track records a run in the store: it inserts the run now and writes the
// final result once the engine is done. Call it before Run or Start. The
// returned channel closes when the result has been written.
func (s *Store) Track(e *Engine, req RunRequest) <-chan struct{} {
	written := make(chan struct{})
	if err := s.CreateRun(context.Background(), e.ID(), req, time.Now()); err != nil {
		log.Warn().Err(err).Str("run", e.ID()).Msg("could not persist run")
		close(written)
		return written
	}
	go func() {
		defer close(written)
		<-e.Done()
		if err := s.FinishRun(context.Background(), e.Result()); err != nil {
			log.Warn().Err(err).Str("run", e.ID()).Msg("could not persist run result")
		}
	}()
	return written
}
