// Package core sequences study runs: it resolves ranges, drives the platform
// collaborators course by course and reports every outcome to a CallbackSink.
package core

// RunContext is the per-run state handed to collaborators by value. It is
// created when a run starts and dropped when it ends.
type RunContext struct {
	RunID    string
	CourseID string
	Windows  Windows
}
