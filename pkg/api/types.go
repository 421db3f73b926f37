package api

import (
	"encoding/json"
	"time"
)

// v0 contains public types shared by the engine, the platform client and hosts.

// Credentials are passed through untouched on every platform call.
type Credentials struct {
	Token  string `json:"token" yaml:"token"`
	Cookie string `json:"cookie" yaml:"cookie"`
}

// Complete reports whether both halves of the credentials are present.
func (c Credentials) Complete() bool { return c.Token != "" && c.Cookie != "" }

type Course struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type Chapter struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Subsections []Subsection `json:"subsections"`
}

type Subsection struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationSeconds int    `json:"duration_seconds"`
}

// RangeSpec is a 1-based inclusive selection. For subsection ranges End == 0
// selects everything from Start to the last element.
type RangeSpec struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Unbounded marks a Window without an upper limit.
const Unbounded = -1

// Window is a half-open index range [Lo, Hi).
type Window struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// All covers an entire collection.
func All() Window { return Window{Lo: 0, Hi: Unbounded} }

// Apply clamps the window to a collection of length n the way a slice
// expression would, returning bounds usable as s[lo:hi].
func (w Window) Apply(n int) (lo, hi int) {
	lo, hi = w.Lo, w.Hi
	if hi == Unbounded || hi > n {
		hi = n
	}
	if lo < 0 {
		lo = 0
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// SubsectionTask is one studyable unit flattened out of a course tree.
type SubsectionTask struct {
	CourseID        string `json:"course_id"`
	ChapterID       string `json:"chapter_id"`
	ChapterName     string `json:"chapter_name"`
	SubsectionID    string `json:"subsection_id"`
	SubsectionName  string `json:"subsection_name"`
	DurationSeconds int    `json:"duration_seconds"`
}

type RunStatus string

const (
	RunIdle     RunStatus = "idle"
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunStopped  RunStatus = "stopped"
	RunRejected RunStatus = "rejected"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
	EventUserInfo EventKind = "user_info"
	EventFinished EventKind = "finished"
)

// Event is the serialisable form of a sink callback. Only the fields that
// belong to Kind are set, and those are always encoded, zero or not.
type Event struct {
	Kind      EventKind `json:"type"`
	RunID     string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message,omitempty"`
	Severity  Severity  `json:"level,omitempty"`
	Percent   float64   `json:"value,omitempty"`
	UserInfo  string    `json:"user_info,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Total     int       `json:"total,omitempty"`
	Succeeded int       `json:"success_count,omitempty"`
}

type eventHeader struct {
	Kind  EventKind `json:"type"`
	RunID string    `json:"session_id,omitempty"`
	Time  time.Time `json:"time"`
}

// MarshalJSON writes the payload of each kind in full, so a frontend sees
// success:false or value:0 instead of a missing key.
func (e Event) MarshalJSON() ([]byte, error) {
	h := eventHeader{Kind: e.Kind, RunID: e.RunID, Time: e.Time}
	switch e.Kind {
	case EventLog:
		return json.Marshal(struct {
			eventHeader
			Message  string   `json:"message"`
			Severity Severity `json:"level"`
		}{h, e.Message, e.Severity})
	case EventProgress:
		return json.Marshal(struct {
			eventHeader
			Percent float64 `json:"value"`
		}{h, e.Percent})
	case EventUserInfo:
		return json.Marshal(struct {
			eventHeader
			UserInfo string `json:"user_info"`
		}{h, e.UserInfo})
	case EventFinished:
		return json.Marshal(struct {
			eventHeader
			Success   bool `json:"success"`
			Total     int  `json:"total"`
			Succeeded int  `json:"success_count"`
		}{h, e.Success, e.Total, e.Succeeded})
	}
	type plain Event
	return json.Marshal(plain(e))
}
