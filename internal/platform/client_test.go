package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/autostudy/internal/platform/platformtest"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

func sampleCourse() []api.Chapter {
	return []api.Chapter{
		{ID: "c1", Name: "Intro", Subsections: []api.Subsection{
			{ID: "s1", Name: "Welcome", DurationSeconds: 120},
			{ID: "s2", Name: "Overview", DurationSeconds: 300},
		}},
		{ID: "c2", Name: "Practice", Subsections: []api.Subsection{
			{ID: "s3", Name: "Drill", DurationSeconds: 60},
			{ID: "s4", Name: "Quiz", DurationSeconds: 0},
			{ID: "s5", Name: "Review", DurationSeconds: 90},
		}},
		{ID: "c3", Name: "Wrap up", Subsections: []api.Subsection{
			{ID: "s6", Name: "Summary", DurationSeconds: 30},
		}},
	}
}

func newTestClient(t *testing.T) (*Client, *platformtest.Server) {
	t.Helper()
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.AddCourse("course-1", sampleCourse()...)
	return New(Config{BaseURL: srv.URL}), srv
}

func TestVerify(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if !c.Verify(ctx, platformtest.Credentials(), "course-1") {
		t.Fatalf("expected valid credentials to verify")
	}
	if c.Verify(ctx, api.Credentials{Token: "stale", Cookie: platformtest.Cookie}, "course-1") {
		t.Fatalf("expected stale token to fail")
	}
	if c.Verify(ctx, platformtest.Credentials(), "missing") {
		t.Fatalf("expected unknown course to fail")
	}
}

func TestVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, ProbeTimeout: time.Second})
	if c.Verify(context.Background(), platformtest.Credentials(), "course-1") {
		t.Fatalf("expected closed server to fail verification")
	}
}

func TestVerifyTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	c := New(Config{BaseURL: slow.URL, ProbeTimeout: 50 * time.Millisecond})
	start := time.Now()
	assert.False(t, c.Verify(context.Background(), platformtest.Credentials(), "course-1"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestUserName(t *testing.T) {
	c, srv := newTestClient(t)
	name, err := c.UserName(context.Background(), platformtest.Credentials())
	require.NoError(t, err)
	assert.Equal(t, platformtest.DefaultUserName, name)

	srv.SetUserName("")
	name, err = c.UserName(context.Background(), platformtest.Credentials())
	require.NoError(t, err)
	assert.Equal(t, "unknown user", name)

	_, err = c.UserName(context.Background(), api.Credentials{Token: "x", Cookie: "y"})
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
}

func TestFetchSubsectionsWindows(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tasks, err := c.FetchSubsections(ctx, platformtest.Credentials(), "course-1", api.All(), api.All())
	require.NoError(t, err)
	require.Len(t, tasks, 6)
	assert.Equal(t, "course-1", tasks[0].CourseID)
	assert.Equal(t, "c1", tasks[0].ChapterID)
	assert.Equal(t, "Intro", tasks[0].ChapterName)
	assert.Equal(t, 120, tasks[0].DurationSeconds)
	assert.Equal(t, "s6", tasks[5].SubsectionID)

	// chapters 2-3, subsections 2-end
	tasks, err = c.FetchSubsections(ctx, platformtest.Credentials(), "course-1",
		api.Window{Lo: 1, Hi: 3}, api.Window{Lo: 1, Hi: api.Unbounded})
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.SubsectionID)
	}
	assert.Equal(t, []string{"s4", "s5"}, ids)
}

func TestFetchSubsectionsFailures(t *testing.T) {
	c, srv := newTestClient(t)
	srv.FailCatalog("course-1", 0)

	_, err := c.FetchSubsections(context.Background(), platformtest.Credentials(), "course-1", api.All(), api.All())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.FetchSubsections(context.Background(), platformtest.Credentials(), "nope", api.All(), api.All())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRecord(t *testing.T) {
	c, srv := newTestClient(t)
	task := api.SubsectionTask{CourseID: "course-1", ChapterID: "c1", SubsectionID: "s1", DurationSeconds: 120}

	require.True(t, c.Record(context.Background(), platformtest.Credentials(), task))
	calls := srv.Records()
	require.Len(t, calls, 1)
	assert.Equal(t, "course-1", calls[0].CourseID)
	assert.Equal(t, "s1", calls[0].SubsectionID)
	assert.Equal(t, "1", calls[0].State)
	assert.InDelta(t, 119.9, calls[0].StudyTime, 1e-9)
	assert.Equal(t, 1, srv.ConfirmCalls())
}

func TestRecordRejectedSkipsConfirm(t *testing.T) {
	c, srv := newTestClient(t)
	srv.RejectRecord("s2")
	task := api.SubsectionTask{CourseID: "course-1", ChapterID: "c1", SubsectionID: "s2", DurationSeconds: 300}

	assert.False(t, c.Record(context.Background(), platformtest.Credentials(), task))
	assert.Len(t, srv.Records(), 1)
	assert.Equal(t, 0, srv.ConfirmCalls())
}

func TestRecordUnconfirmed(t *testing.T) {
	c, srv := newTestClient(t)
	srv.HideProgress("c2")
	task := api.SubsectionTask{CourseID: "course-1", ChapterID: "c2", SubsectionID: "s3", DurationSeconds: 60}

	assert.False(t, c.Record(context.Background(), platformtest.Credentials(), task))
	assert.Equal(t, 1, srv.ConfirmCalls())
}

func TestRecordStoppedDuringSettle(t *testing.T) {
	srv := platformtest.New()
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, SettleDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	task := api.SubsectionTask{CourseID: "course-1", ChapterID: "c1", SubsectionID: "s1", DurationSeconds: 10}

	start := time.Now()
	assert.False(t, c.Record(ctx, platformtest.Credentials(), task))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, srv.Records(), 1, "record request must still be sent")
	assert.Equal(t, 0, srv.ConfirmCalls())
}

func TestRequestHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Write([]byte(`{"returnCode":"200","returnData":{"userInfo":{"name":"n"}}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", UserAgent: "agent/1"})
	_, err := c.UserName(context.Background(), api.Credentials{Token: "tok", Cookie: "a=b"})
	require.NoError(t, err)
	got := <-headers
	assert.Equal(t, "tok", got.Get("X-Token"))
	assert.Equal(t, "a=b", got.Get("Cookie"))
	assert.Equal(t, "agent/1", got.Get("User-Agent"))
	assert.Equal(t, "application/json;charset=UTF-8", got.Get("Content-Type"))
	assert.Equal(t, srv.URL, got.Get("Origin"))
	assert.Equal(t, srv.URL+refererPath, got.Get("Referer"))
}

func TestPacerSpacesRequests(t *testing.T) {
	p := newPacer(30 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.wait(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	var disabled *pacer
	assert.NoError(t, disabled.wait(context.Background()))
}
