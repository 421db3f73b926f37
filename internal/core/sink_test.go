package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

func TestInferSeverity(t *testing.T) {
	cases := map[string]api.Severity{
		"✅ recorded intro":               api.SeveritySuccess,
		"❌ failed to record intro":       api.SeverityError,
		"⚠️ catalog is empty":            api.SeverityWarning,
		"⏹️ run interrupted by user":     api.SeverityWarning,
		"📋 subsection 1/3: intro":        api.SeverityInfo,
		"":                               api.SeverityInfo,
		"✅ successful courses, ❌ failed": api.SeveritySuccess,
	}
	for msg, want := range cases {
		assert.Equal(t, want, InferSeverity(msg), msg)
	}
}

func TestChanSinkNeverBlocks(t *testing.T) {
	s := NewChanSink("run-1", 2)
	s.OnLog("one", api.SeverityInfo)
	s.OnProgress(50)
	s.OnFinished(true, 1, 1)

	assert.Equal(t, int64(1), s.Dropped())
	first := <-s.C
	assert.Equal(t, api.EventLog, first.Kind)
	assert.Equal(t, "run-1", first.RunID)
	assert.False(t, first.Time.IsZero())
	second := <-s.C
	assert.Equal(t, api.EventProgress, second.Kind)
	assert.Equal(t, 50.0, second.Percent)
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &collector{}, &collector{}
	m := MultiSink{a, b, FuncSink{}}
	m.OnLog("hello", api.SeverityInfo)
	m.OnUserInfo("user")
	m.OnProgress(10)
	m.OnFinished(false, 0, 0)
	assert.Len(t, a.all(), 4)
	assert.Equal(t, a.all(), b.all())
}

func TestEmitterInfersSeverity(t *testing.T) {
	c := &collector{}
	em := emitter{sink: c, runID: "r"}
	em.logf("%s recorded %d", MarkSuccess, 3)
	em.logf("plain message")
	logs := c.of(api.EventLog)
	if assert.Len(t, logs, 2) {
		assert.Equal(t, "✅ recorded 3", logs[0].Message)
		assert.Equal(t, api.SeveritySuccess, logs[0].Severity)
		assert.Equal(t, "plain message", logs[1].Message)
		assert.Equal(t, api.SeverityInfo, logs[1].Severity)
	}
}

func TestChanSinkDroppedReadableDuringRun(t *testing.T) {
	s := NewChanSink("run-2", 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.OnProgress(float64(i))
		}
	}()
	for i := 0; i < 100; i++ {
		_ = s.Dropped()
	}
	<-done
	assert.Equal(t, int64(100), s.Dropped())
}
