package core

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// CallbackSink receives everything a run reports. Implementations decide how
// events travel (console, websocket, message bus); the engine only calls them.
type CallbackSink interface {
	OnLog(message string, severity api.Severity)
	OnProgress(percent float64)
	OnUserInfo(text string)
	OnFinished(overallSuccess bool, totalCourses, successfulCourses int)
}

// Markers embedded in log messages that carry a severity.
const (
	MarkSuccess = "✅"
	MarkError   = "❌"
	MarkWarning = "⚠️"
	MarkStopped = "⏹️"
)

// InferSeverity maps the markers embedded in a log message to a severity.
func InferSeverity(message string) api.Severity {
	switch {
	case strings.Contains(message, MarkSuccess):
		return api.SeveritySuccess
	case strings.Contains(message, MarkError):
		return api.SeverityError
	case strings.Contains(message, MarkWarning), strings.Contains(message, MarkStopped):
		return api.SeverityWarning
	default:
		return api.SeverityInfo
	}
}

// FuncSink adapts plain functions to a CallbackSink. Nil fields are skipped.
type FuncSink struct {
	Log      func(message string, severity api.Severity)
	Progress func(percent float64)
	UserInfo func(text string)
	Finished func(overallSuccess bool, totalCourses, successfulCourses int)
}

func (f FuncSink) OnLog(message string, severity api.Severity) {
	if f.Log != nil {
		f.Log(message, severity)
	}
}

func (f FuncSink) OnProgress(percent float64) {
	if f.Progress != nil {
		f.Progress(percent)
	}
}

func (f FuncSink) OnUserInfo(text string) {
	if f.UserInfo != nil {
		f.UserInfo(text)
	}
}

func (f FuncSink) OnFinished(ok bool, total, succeeded int) {
	if f.Finished != nil {
		f.Finished(ok, total, succeeded)
	}
}

// MultiSink fans every event out to each sink in order.
type MultiSink []CallbackSink

func (m MultiSink) OnLog(message string, severity api.Severity) {
	for _, s := range m {
		s.OnLog(message, severity)
	}
}

func (m MultiSink) OnProgress(percent float64) {
	for _, s := range m {
		s.OnProgress(percent)
	}
}

func (m MultiSink) OnUserInfo(text string) {
	for _, s := range m {
		s.OnUserInfo(text)
	}
}

func (m MultiSink) OnFinished(ok bool, total, succeeded int) {
	for _, s := range m {
		s.OnFinished(ok, total, succeeded)
	}
}

// ChanSink converts callbacks into api.Event values on a channel. Sends never
// block: when the buffer is full the event is dropped and counted.
type ChanSink struct {
	RunID   string
	C       chan api.Event
	dropped atomic.Int64
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(runID string, size int) *ChanSink {
	return &ChanSink{RunID: runID, C: make(chan api.Event, size)}
}

func (c *ChanSink) send(ev api.Event) {
	ev.RunID = c.RunID
	ev.Time = time.Now()
	select {
	case c.C <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Dropped counts events lost to a full buffer. Safe to call mid-run.
func (c *ChanSink) Dropped() int64 { return c.dropped.Load() }

func (c *ChanSink) OnLog(message string, severity api.Severity) {
	c.send(api.Event{Kind: api.EventLog, Message: message, Severity: severity})
}

func (c *ChanSink) OnProgress(percent float64) {
	c.send(api.Event{Kind: api.EventProgress, Percent: percent})
}

func (c *ChanSink) OnUserInfo(text string) {
	c.send(api.Event{Kind: api.EventUserInfo, UserInfo: text})
}

func (c *ChanSink) OnFinished(ok bool, total, succeeded int) {
	c.send(api.Event{Kind: api.EventFinished, Success: ok, Total: total, Succeeded: succeeded})
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink returns a LogSink on the global logger tagged with a run id.
func NewLogSink(runID string) LogSink {
	return LogSink{Logger: log.With().Str("run", runID).Logger()}
}

func (l LogSink) OnLog(message string, severity api.Severity) {
	var e *zerolog.Event
	switch severity {
	case api.SeverityError:
		e = l.Logger.Error()
	case api.SeverityWarning:
		e = l.Logger.Warn()
	default:
		e = l.Logger.Info()
	}
	e.Str("level_hint", string(severity)).Msg(message)
}

func (l LogSink) OnProgress(percent float64) {
	l.Logger.Debug().Float64("percent", percent).Msg("progress")
}

func (l LogSink) OnUserInfo(text string) {
	l.Logger.Info().Str("user", text).Msg("user info")
}

func (l LogSink) OnFinished(ok bool, total, succeeded int) {
	l.Logger.Info().
		Bool("success", ok).
		Int("total_courses", total).
		Int("successful_courses", succeeded).
		Msg("run finished")
}

// emitter shields the engine from misbehaving sinks and infers log severity.
type emitter struct {
	sink  CallbackSink
	runID string
}

func (e emitter) guard(kind api.EventKind) {
	if r := recover(); r != nil {
		log.Warn().Str("run", e.runID).Str("event", string(kind)).Interface("panic", r).Msg("callback sink panicked")
	}
}

func (e emitter) logf(format string, args ...any) {
	defer e.guard(api.EventLog)
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	e.sink.OnLog(message, InferSeverity(message))
}

func (e emitter) progress(percent float64) {
	defer e.guard(api.EventProgress)
	e.sink.OnProgress(percent)
}

func (e emitter) userInfo(text string) {
	defer e.guard(api.EventUserInfo)
	e.sink.OnUserInfo(text)
}

func (e emitter) finished(ok bool, total, succeeded int) {
	defer e.guard(api.EventFinished)
	e.sink.OnFinished(ok, total, succeeded)
}
