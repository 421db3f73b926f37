package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/telemetry"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

var (
	ErrAlreadyStarted     = errors.New("engine already started")
	ErrNoCourses          = errors.New("no courses to process")
	ErrMissingCredentials = errors.New("token and cookie are required")
)

// Platform is what the engine needs from the training platform.
type Platform interface {
	UserName(ctx context.Context, creds api.Credentials) (string, error)
	Verify(ctx context.Context, creds api.Credentials, courseID string) bool
	FetchSubsections(ctx context.Context, creds api.Credentials, courseID string, chapters, subsections api.Window) ([]api.SubsectionTask, error)
	Record(ctx context.Context, creds api.Credentials, task api.SubsectionTask) bool
}

// RunRequest is an immutable snapshot of everything one run works on.
type RunRequest struct {
	Credentials     api.Credentials
	Courses         []api.Course
	ChapterRange    *api.RangeSpec
	SubsectionRange *api.RangeSpec
}

// Result summarises a run. Counts reflect completed work even when the run
// was stopped early.
type Result struct {
	RunID             string        `json:"run_id"`
	Status            api.RunStatus `json:"status"`
	TotalCourses      int           `json:"total_courses"`
	SuccessfulCourses int           `json:"successful_courses"`
	FailedCourses     int           `json:"failed_courses"`
	Recorded          int           `json:"recorded_subsections"`
	Failed            int           `json:"failed_subsections"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
}

// Delay is a closed range a randomized wait is drawn from.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

func (d Delay) draw(r *rand.Rand) time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + time.Duration(r.Int63n(int64(d.Max-d.Min)+1))
}

// Options tune the pacing of a run.
type Options struct {
	// ID fixes the run id; empty generates one.
	ID              string
	SubsectionDelay Delay
	CourseCooldown  Delay
	Rand            *rand.Rand
	Metrics         *Metrics
}

// DefaultOptions returns the pacing used against the live platform.
func DefaultOptions() Options {
	return Options{
		SubsectionDelay: Delay{Min: 5 * time.Second, Max: 10 * time.Second},
		CourseCooldown:  Delay{Min: 10 * time.Second, Max: 20 * time.Second},
	}
}

// Metrics tracks recorder calls across runs
type Metrics struct {
	requests int64
	errors   int64
	duration time.Duration
	mu       sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records a successful record/confirm cycle
func (m *Metrics) RecordRequest(duration time.Duration) {
	m.mu.Lock()
	m.requests++
	m.duration += duration
	m.mu.Unlock()
}

// RecordError records a failed cycle
func (m *Metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// GetStats returns current metrics
func (m *Metrics) GetStats() (int64, int64, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests, m.errors, m.duration
}

// Engine executes exactly one run. Start it once; use a new Engine per run.
type Engine struct {
	id       string
	platform Platform
	emit     emitter
	opts     Options

	mu      sync.Mutex
	state   api.RunStatus
	claimed bool
	result  Result

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEngine wires an engine to a platform and a sink.
func NewEngine(p Platform, sink CallbackSink, opts Options) *Engine {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if sink == nil {
		sink = FuncSink{}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Engine{
		id:       id,
		platform: p,
		emit:     emitter{sink: sink, runID: id},
		opts:     opts,
		state:    api.RunIdle,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the run id assigned at construction.
func (e *Engine) ID() string { return e.id }

// State reports where the run is in its lifecycle.
func (e *Engine) State() api.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result returns the latest totals; final once Done is closed.
func (e *Engine) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Done is closed when the run has ended, whatever the outcome.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Stop requests cooperative cancellation. The run notices it before the next
// course or subsection, or inside the current wait.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Run executes the run on the calling goroutine.
func (e *Engine) Run(ctx context.Context, req RunRequest) (Result, error) {
	windows, err := e.begin(req)
	if err != nil {
		return e.Result(), err
	}
	return e.execute(ctx, req, windows), nil
}

// Start validates the request and executes the run on its own goroutine.
// Rejections are returned synchronously.
func (e *Engine) Start(ctx context.Context, req RunRequest) error {
	windows, err := e.begin(req)
	if err != nil {
		return err
	}
	go e.execute(ctx, req, windows)
	return nil
}

func (e *Engine) begin(req RunRequest) (Windows, error) {
	e.mu.Lock()
	if e.claimed {
		e.mu.Unlock()
		return Windows{}, ErrAlreadyStarted
	}
	e.claimed = true
	e.result = Result{RunID: e.id, TotalCourses: len(req.Courses), StartedAt: time.Now()}
	e.mu.Unlock()

	var reason string
	var err error
	windows, werr := SelectWindows(req.ChapterRange, req.SubsectionRange)
	switch {
	case len(req.Courses) == 0:
		reason, err = "❌ no courses given, run aborted", ErrNoCourses
	case !req.Credentials.Complete():
		reason, err = "❌ token and cookie are required, run aborted", ErrMissingCredentials
	case werr != nil:
		reason, err = fmt.Sprintf("❌ invalid range: %v", werr), werr
	}
	if err != nil {
		e.emit.logf("%s", reason)
		e.emit.finished(false, 0, 0)
		e.finish(api.RunRejected)
		return Windows{}, err
	}

	e.mu.Lock()
	e.state = api.RunRunning
	e.mu.Unlock()
	return windows, nil
}

func (e *Engine) finish(status api.RunStatus) {
	e.mu.Lock()
	e.state = status
	e.result.Status = status
	e.result.FinishedAt = time.Now()
	e.mu.Unlock()
	close(e.done)
}

func (e *Engine) update(fn func(r *Result)) {
	e.mu.Lock()
	fn(&e.result)
	e.mu.Unlock()
}

func (e *Engine) execute(ctx context.Context, req RunRequest, windows Windows) Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	// Platform calls are never preempted; only waits observe cancellation.
	netCtx := context.WithoutCancel(runCtx)

	total := len(req.Courses)
	log.Debug().Str("run", e.id).Int("courses", total).Msg("run started")

	e.emit.logf("🔎 looking up user info...")
	name, err := e.platform.UserName(netCtx, req.Credentials)
	if err != nil {
		name = fmt.Sprintf("user info unavailable: %v", err)
	}
	e.emit.userInfo(name)

	if d := windows.Describe(); d != "" {
		e.emit.logf("🔧 %s", d)
	}
	e.emit.logf("📚 planning %d course(s)", total)

	interrupted := false
	for i, course := range req.Courses {
		index := i + 1
		if e.halted(runCtx) {
			interrupted = true
			break
		}
		rc := RunContext{RunID: e.id, CourseID: course.ID, Windows: windows}
		ok, stopped := e.runCourse(runCtx, netCtx, req.Credentials, rc, course, index, total)
		e.update(func(r *Result) {
			if ok {
				r.SuccessfulCourses++
			} else {
				r.FailedCourses++
			}
		})
		if stopped {
			interrupted = true
			break
		}
		if index < total {
			d := e.opts.CourseCooldown.draw(e.opts.Rand)
			e.emit.logf("☕ resting %s before the next course", d.Round(time.Second))
			if !sleep(runCtx, d) {
				interrupted = true
				break
			}
		}
	}
	if interrupted {
		e.emit.logf("⏹️ run interrupted by user")
	}

	res := e.Result()
	e.emit.logf("🏁 all courses processed")
	e.emit.logf("📊 total courses: %d", total)
	e.emit.logf("✅ successful courses: %d", res.SuccessfulCourses)
	e.emit.logf("❌ failed courses: %d", res.FailedCourses)
	e.emit.progress(100)
	e.emit.finished(true, total, res.SuccessfulCourses)

	status := api.RunFinished
	if interrupted {
		status = api.RunStopped
	}
	e.finish(status)
	log.Debug().Str("run", e.id).Str("status", string(status)).Msg("run ended")
	return e.Result()
}

// runCourse processes one course. It reports whether the course succeeded and
// whether cancellation cut it short.
func (e *Engine) runCourse(runCtx, netCtx context.Context, creds api.Credentials, rc RunContext, course api.Course, index, total int) (ok, stopped bool) {
	name := course.Name
	if name == "" {
		name = fmt.Sprintf("course %d", index)
	}
	e.emit.logf("🔄 [course %d/%d] processing %s (ID: %s)", index, total, name, rc.CourseID)

	e.emit.logf("🔐 verifying credentials...")
	if !e.platform.Verify(netCtx, creds, rc.CourseID) {
		e.emit.logf("❌ authentication failed, token or cookie may have expired")
		return false, false
	}
	e.emit.logf("✅ credentials accepted")

	e.emit.logf("📥 fetching course catalog...")
	tasks, err := e.platform.FetchSubsections(netCtx, creds, rc.CourseID, rc.Windows.Chapters, rc.Windows.Subsections)
	if err != nil {
		e.emit.logf("❌ could not fetch course catalog, skipping course: %v", err)
		return false, false
	}
	if len(tasks) == 0 {
		e.emit.logf("❌ no subsections in the selected range, skipping course")
		return false, false
	}

	e.emit.logf("🚀 recording study time for %d subsection(s)...", len(tasks))
	succeeded := 0
	for j, task := range tasks {
		idx := j + 1
		if e.halted(runCtx) {
			stopped = true
			break
		}
		e.emit.progress(ProgressPercent(idx, len(tasks), index, total))
		e.emit.logf("📋 subsection %d/%d: %s", idx, len(tasks), task.SubsectionName)
		if task.DurationSeconds == 0 {
			e.emit.logf("⏭️ skipping zero-length subsection")
			continue
		}

		start := time.Now()
		recorded := e.platform.Record(runCtx, creds, task)
		e.observe(recorded, time.Since(start))
		if recorded {
			succeeded++
			e.emit.logf("✅ recorded %s", task.SubsectionName)
		} else {
			e.emit.logf("❌ failed to record %s", task.SubsectionName)
		}

		if e.halted(runCtx) {
			stopped = true
			break
		}
		d := e.opts.SubsectionDelay.draw(e.opts.Rand)
		e.emit.logf("⏳ waiting %s before continuing...", d.Round(time.Second))
		if !sleep(runCtx, d) {
			stopped = true
			break
		}
	}

	e.emit.logf("🎉 course %s done", name)
	e.emit.logf("📊 subsections: %d", len(tasks))
	e.emit.logf("✅ recorded: %d", succeeded)
	e.emit.logf("❌ not recorded: %d", len(tasks)-succeeded)
	return succeeded > 0, stopped
}

func (e *Engine) observe(recorded bool, took time.Duration) {
	labels := map[string]string{"component": "engine"}
	telemetry.TimerGlobal("autostudy_record_duration", took, labels)
	if recorded {
		e.opts.Metrics.RecordRequest(took)
		e.update(func(r *Result) { r.Recorded++ })
		telemetry.CounterGlobal("autostudy_subsections_recorded", 1, labels)
		return
	}
	e.opts.Metrics.RecordError()
	e.update(func(r *Result) { r.Failed++ })
	telemetry.CounterGlobal("autostudy_subsections_failed", 1, labels)
}

// ProgressPercent is the value hosts have always been sent: the whole
// percentage of the current course scaled by the course position. It is not
// monotonic across courses.
func ProgressPercent(idx, total, courseIndex, totalCourses int) float64 {
	if total == 0 || totalCourses == 0 {
		return 0
	}
	within := math.Floor(float64(idx) / float64(total) * 100)
	return within * (float64(courseIndex) / float64(totalCourses))
}

// halted reports whether Stop was called or the run context ended.
func (e *Engine) halted(ctx context.Context) bool {
	select {
	case <-e.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

// sleep waits for d unless ctx ends first. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
