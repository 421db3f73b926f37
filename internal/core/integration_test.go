package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/autostudy/internal/platform"
	"github.com/3cpo-dev/autostudy/internal/platform/platformtest"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

// TestEngineAgainstPlatform drives the real client against the fake platform.
func TestEngineAgainstPlatform(t *testing.T) {
	srv := platformtest.New()
	defer srv.Close()

	srv.AddCourse("A", api.Chapter{ID: "a1", Name: "A one", Subsections: []api.Subsection{
		{ID: "a1-1", Name: "first", DurationSeconds: 60},
	}})
	// verification passes, the catalog fetch that follows fails
	srv.FailCatalog("A", 1)
	srv.AddCourse("B",
		api.Chapter{ID: "b1", Name: "B one", Subsections: []api.Subsection{
			{ID: "b1-1", Name: "intro", DurationSeconds: 120},
			{ID: "b1-2", Name: "empty", DurationSeconds: 0},
		}},
		api.Chapter{ID: "b2", Name: "B two", Subsections: []api.Subsection{
			{ID: "b2-1", Name: "deep dive", DurationSeconds: 300},
		}},
	)

	client := platform.New(platform.Config{BaseURL: srv.URL, SettleDelay: 0})
	sink := NewChanSink("", 256)
	e := NewEngine(client, sink, Options{})
	res, err := e.Run(context.Background(), RunRequest{
		Credentials: platformtest.Credentials(),
		Courses:     []api.Course{{ID: "A", Name: "Alpha"}, {ID: "B", Name: "Beta"}},
	})
	require.NoError(t, err)
	assert.Equal(t, api.RunFinished, res.Status)
	assert.Equal(t, 1, res.SuccessfulCourses)
	assert.Equal(t, 1, res.FailedCourses)
	assert.Equal(t, 2, res.Recorded)

	records := srv.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "b1-1", records[0].SubsectionID)
	assert.InDelta(t, 119.9, records[0].StudyTime, 1e-9)
	assert.Equal(t, "b2-1", records[1].SubsectionID)
	assert.Equal(t, 2, srv.ConfirmCalls())

	close(sink.C)
	var user string
	var finished *api.Event
	for ev := range sink.C {
		ev := ev
		switch ev.Kind {
		case api.EventUserInfo:
			user = ev.UserInfo
		case api.EventFinished:
			finished = &ev
		}
	}
	assert.Equal(t, platformtest.DefaultUserName, user)
	require.NotNil(t, finished)
	assert.True(t, finished.Success)
	assert.Equal(t, 2, finished.Total)
	assert.Equal(t, 1, finished.Succeeded)
	assert.Zero(t, sink.Dropped())
}

func TestEngineAgainstPlatformWithRanges(t *testing.T) {
	srv := platformtest.New()
	defer srv.Close()
	var chapters []api.Chapter
	for _, c := range []string{"c1", "c2", "c3"} {
		chapters = append(chapters, api.Chapter{ID: c, Subsections: []api.Subsection{
			{ID: c + "-1", DurationSeconds: 10},
			{ID: c + "-2", DurationSeconds: 10},
			{ID: c + "-3", DurationSeconds: 10},
		}})
	}
	srv.AddCourse("X", chapters...)

	client := platform.New(platform.Config{BaseURL: srv.URL})
	e := NewEngine(client, nil, Options{})
	_, err := e.Run(context.Background(), RunRequest{
		Credentials:     platformtest.Credentials(),
		Courses:         []api.Course{{ID: "X"}},
		ChapterRange:    &api.RangeSpec{Start: 2, End: 3},
		SubsectionRange: &api.RangeSpec{Start: 2, End: 0},
	})
	require.NoError(t, err)

	var ids []string
	for _, r := range srv.Records() {
		ids = append(ids, r.SubsectionID)
	}
	assert.Equal(t, []string{"c2-2", "c2-3", "c3-2", "c3-3"}, ids)
}

// Studying the same course twice gives the same outcome per subsection: the
// platform keeps accepting records for subsections it already confirmed.
func TestEngineRerunIsIdempotent(t *testing.T) {
	srv := platformtest.New()
	defer srv.Close()
	srv.AddCourse("A",
		api.Chapter{ID: "a1", Subsections: []api.Subsection{
			{ID: "a1-1", DurationSeconds: 60},
			{ID: "a1-2", DurationSeconds: 0},
		}},
		api.Chapter{ID: "a2", Subsections: []api.Subsection{
			{ID: "a2-1", DurationSeconds: 30},
		}},
	)
	srv.RejectRecord("a2-1")

	client := platform.New(platform.Config{BaseURL: srv.URL})
	req := RunRequest{
		Credentials: platformtest.Credentials(),
		Courses:     []api.Course{{ID: "A"}},
	}

	first, err := NewEngine(client, nil, Options{}).Run(context.Background(), req)
	require.NoError(t, err)
	firstRecords := srv.Records()
	firstConfirms := srv.ConfirmCalls()

	second, err := NewEngine(client, nil, Options{}).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Recorded, second.Recorded)
	assert.Equal(t, first.Failed, second.Failed)
	assert.Equal(t, first.SuccessfulCourses, second.SuccessfulCourses)
	assert.Equal(t, 1, second.Recorded)
	assert.Equal(t, 1, second.SuccessfulCourses)

	records := srv.Records()
	require.Len(t, records, 2*len(firstRecords))
	assert.Equal(t, firstRecords, records[len(firstRecords):])
	// only accepted records are confirmed, on both runs
	assert.Equal(t, 1, firstConfirms)
	assert.Equal(t, 2*firstConfirms, srv.ConfirmCalls())
}
