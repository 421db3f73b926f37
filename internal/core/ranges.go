package core

import (
	"fmt"
	"strings"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// ValidationError reports a malformed run request field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Windows holds the resolved chapter and subsection windows of a run.
type Windows struct {
	Chapters    api.Window
	Subsections api.Window
}

// SelectWindows converts optional 1-based range specs into index windows.
//
// Chapter ranges map to [start-1, end) and have no open-ended form, so an end
// of 0 selects nothing. Subsection ranges map to [start-1, end+1), or to
// [start-1, ∞) when end is 0. Existing hosts depend on both shapes.
func SelectWindows(chapter, subsection *api.RangeSpec) (Windows, error) {
	w := Windows{Chapters: api.All(), Subsections: api.All()}
	if chapter != nil {
		if err := checkSpec("chapter_range", *chapter); err != nil {
			return w, err
		}
		w.Chapters = api.Window{Lo: chapter.Start - 1, Hi: chapter.End}
	}
	if subsection != nil {
		if err := checkSpec("subsection_range", *subsection); err != nil {
			return w, err
		}
		if subsection.End == 0 {
			w.Subsections = api.Window{Lo: subsection.Start - 1, Hi: api.Unbounded}
		} else {
			w.Subsections = api.Window{Lo: subsection.Start - 1, Hi: subsection.End + 1}
		}
	}
	return w, nil
}

func checkSpec(field string, r api.RangeSpec) error {
	if r.Start < 1 {
		return ValidationError{Field: field, Value: fmt.Sprintf("%d-%d", r.Start, r.End), Message: "start must be >= 1"}
	}
	if r.End < 0 {
		return ValidationError{Field: field, Value: fmt.Sprintf("%d-%d", r.Start, r.End), Message: "end must be >= 0"}
	}
	return nil
}

// Describe renders the windows the way run logs announce them.
func (w Windows) Describe() string {
	var parts []string
	if w.Chapters != api.All() {
		parts = append(parts, fmt.Sprintf("chapters %d-%d", w.Chapters.Lo+1, w.Chapters.Hi))
	}
	if w.Subsections != api.All() {
		end := "end"
		if w.Subsections.Hi != api.Unbounded {
			end = fmt.Sprintf("%d", w.Subsections.Hi-1)
		}
		parts = append(parts, fmt.Sprintf("subsections %d-%s", w.Subsections.Lo+1, end))
	}
	return strings.Join(parts, ", ")
}
