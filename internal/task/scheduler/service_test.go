package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/task/job"
	"jobmanager/internal/task/schedule"
	logx "jobmanager/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	s := New(opts)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func noop() job.Ref { return job.DirectFunc(func(context.Context) error { return nil }) }

func genOf(t *testing.T, s *Service, name string) uint64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	require.True(t, ok, name)
	return e.gen
}

func jobInfo(t *testing.T, s *Service, name string) JobInfo {
	t.Helper()
	for _, j := range s.Snapshot().Jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not in snapshot", name)
	return JobInfo{}
}

func TestScheduleNameResolution(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	h, err := s.Schedule(Request{At: schedule.Expr("@hourly"), Ref: job.Named("/srv/jobs/clean-sessions.js")})
	require.NoError(t, err)
	assert.Equal(t, "clean-sessions", h.Name())

	h, err = s.Schedule(Request{Name: "custom", At: schedule.Expr("@hourly"), Ref: job.Named("/srv/jobs/clean-sessions.js")})
	require.NoError(t, err)
	assert.Equal(t, "custom", h.Name())

	_, err = s.Schedule(Request{At: schedule.Expr("@hourly"), Ref: noop()})
	require.ErrorIs(t, err, ErrNameRequired)
	assert.Equal(t, "Name parameter should be present if job is a function", err.Error())

	_, err = s.Schedule(Request{Name: "x", At: schedule.Expr("@hourly")})
	require.ErrorIs(t, err, job.ErrEmptyRef)
}

func TestScheduleInvalidRegistersNothing(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})
	for _, at := range []string{"invalid expression", "0 0 30 2 *", "61 * * * *"} {
		_, err := s.Schedule(Request{Name: "bad", At: schedule.Expr(at), Ref: noop()})
		require.ErrorIs(t, err, schedule.ErrInvalidScheduleFormat, at)
	}
	snap := s.Snapshot()
	assert.Empty(t, snap.Jobs)
	assert.Zero(t, snap.Timeouts)
	assert.Zero(t, snap.Intervals)
}

func TestScheduleOnceInPastDoesNotRun(t *testing.T) {
	t.Parallel()
	buf := &syncBuffer{}
	s := newService(t, Options{Log: logx.NewJSON(buf, "info")})

	var runs atomic.Int32
	h, err := s.Schedule(Request{
		Name: "once",
		At:   schedule.At(time.Now().Add(-time.Hour)),
		Ref:  job.DirectFunc(func(context.Context) error { runs.Add(1); return nil }),
	})
	require.NoError(t, err)
	waitClosed(t, h.Done(), "done")

	select {
	case <-h.Started():
		t.Fatal("past one-shot started a context")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, runs.Load())
	assert.False(t, s.Has("once"))
	assert.True(t, h.Next().IsZero())
	assert.Zero(t, s.Snapshot().Timeouts)
	assert.Contains(t, buf.String(), "which has passed")
}

func TestScheduleOnceArmsTimer(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	at := time.Now().Add(80 * time.Millisecond)
	var data atomic.Value
	h, err := s.Schedule(Request{
		Name: "later",
		At:   schedule.At(at),
		Data: "payload",
		Ref: job.Direct(func(_ context.Context, d any) error {
			data.Store(d)
			return nil
		}),
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Timeouts)
	assert.Zero(t, snap.Intervals)
	assert.True(t, h.Next().Equal(at))

	waitClosed(t, h.Done(), "done")
	assert.Equal(t, "payload", data.Load())
	assert.False(t, time.Now().Before(at))
}

func TestScheduleReplaceByName(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	first, err := s.Schedule(Request{Name: "report", At: schedule.At(time.Now().Add(time.Hour)), Ref: noop()})
	require.NoError(t, err)
	second, err := s.Schedule(Request{Name: "report", At: schedule.Expr("every 5 minutes"), Ref: noop()})
	require.NoError(t, err)

	waitClosed(t, first.Done(), "replaced handle done")
	assert.True(t, first.Next().IsZero())
	assert.False(t, second.Next().IsZero())

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Zero(t, snap.Timeouts)
	assert.Equal(t, 1, snap.Intervals)
	assert.Equal(t, "interval", snap.Jobs[0].Kind)
}

// trackRuns returns a ref that blocks until release is closed and records the
// highest number of its bodies running at once.
func trackRuns(release <-chan struct{}, runs, cur, peak *atomic.Int32) job.Ref {
	return job.DirectFunc(func(context.Context) error {
		runs.Add(1)
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		cur.Add(-1)
		return nil
	})
}

func TestReplaceWhileRunningDefersOneShot(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	release := make(chan struct{})
	var runs, cur, peak atomic.Int32
	ref := trackRuns(release, &runs, &cur, &peak)

	first, err := s.Schedule(Request{Name: "sync", At: schedule.At(time.Now().Add(10 * time.Millisecond)), Ref: ref})
	require.NoError(t, err)
	waitClosed(t, first.Started(), "first started")

	second, err := s.Schedule(Request{Name: "sync", At: schedule.At(time.Now().Add(10 * time.Millisecond)), Ref: ref})
	require.NoError(t, err)
	waitClosed(t, first.Done(), "replaced handle done")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1, s.Snapshot().Running)
	assert.Equal(t, "running", jobInfo(t, s, "sync").State)

	close(release)
	waitClosed(t, second.Started(), "second started")
	waitClosed(t, second.Done(), "second done")
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.False(t, s.Has("sync"))
}

func TestReplaceWhileRunningSkipsRecurringOverlap(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	release := make(chan struct{})
	var runs, cur, peak atomic.Int32
	ref := trackRuns(release, &runs, &cur, &peak)

	first, err := s.Schedule(Request{Name: "sync", At: schedule.Expr("@hourly"), Ref: ref})
	require.NoError(t, err)
	s.fire("sync", genOf(t, s, "sync"))
	waitClosed(t, first.Started(), "first started")

	_, err = s.Schedule(Request{Name: "sync", At: schedule.Expr("*/10 * * * *"), Ref: ref})
	require.NoError(t, err)
	s.fire("sync", genOf(t, s, "sync"))

	info := jobInfo(t, s, "sync")
	assert.Equal(t, "running", info.State)
	assert.Equal(t, uint64(1), info.Skipped)
	assert.Equal(t, 1, s.Snapshot().Running)

	close(release)
	require.Eventually(t, func() bool { return jobInfo(t, s, "sync").State == "idle" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.Empty(t, jobInfo(t, s, "sync").ContextID)
}

func TestRecurringOverlapIsSkipped(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	s := newService(t, Options{Bus: bus})

	release := make(chan struct{})
	var runs atomic.Int32
	_, err := s.Schedule(Request{Name: "slow", At: schedule.Expr("@hourly"), Ref: job.DirectFunc(func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})})
	require.NoError(t, err)
	gen := genOf(t, s, "slow")

	s.fire("slow", gen)
	s.fire("slow", gen)
	s.fire("slow", gen)

	info := jobInfo(t, s, "slow")
	assert.Equal(t, "running", info.State)
	assert.Equal(t, uint64(2), info.Skipped)
	assert.NotEmpty(t, info.ContextID)
	assert.Equal(t, 1, s.Snapshot().Running)

	close(release)
	require.Eventually(t, func() bool { return jobInfo(t, s, "slow").State == "idle" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	var skipped int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.JobSkipped {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestRecurringFailureKeepsJob(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	_, err := s.Schedule(Request{Name: "flaky", At: schedule.Expr("0 * * * *"), Ref: job.DirectFunc(func(context.Context) error {
		return errors.New("flaky failure")
	})})
	require.NoError(t, err)
	gen := genOf(t, s, "flaky")

	s.fire("flaky", gen)
	require.Eventually(t, func() bool {
		info := jobInfo(t, s, "flaky")
		return info.State == "idle" && info.Failures == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.fire("flaky", gen)
	require.Eventually(t, func() bool { return jobInfo(t, s, "flaky").Failures == 2 }, 2*time.Second, 5*time.Millisecond)
	info := jobInfo(t, s, "flaky")
	assert.Equal(t, uint64(2), info.Runs)
	assert.Equal(t, "flaky failure", info.LastError)
	assert.Equal(t, 1, s.Snapshot().Intervals)
}

func TestStaleFireIsDropped(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})
	var runs atomic.Int32
	ref := job.DirectFunc(func(context.Context) error { runs.Add(1); return nil })

	_, err := s.Schedule(Request{Name: "job", At: schedule.Expr("@daily"), Ref: ref})
	require.NoError(t, err)
	old := genOf(t, s, "job")
	_, err = s.Schedule(Request{Name: "job", At: schedule.Expr("@daily"), Ref: ref})
	require.NoError(t, err)

	s.fire("job", old)
	s.fire("missing", 1)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{})

	stopped := make(chan struct{})
	h, err := s.Schedule(Request{Name: "long", At: schedule.Expr("@hourly"), Ref: job.DirectFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})})
	require.NoError(t, err)
	s.fire("long", genOf(t, s, "long"))
	waitClosed(t, h.Started(), "started")

	assert.True(t, s.Remove(context.Background(), "long"))
	waitClosed(t, stopped, "cooperative stop")
	waitClosed(t, h.Done(), "done")
	assert.False(t, s.Has("long"))
	assert.False(t, s.Remove(context.Background(), "long"))
	assert.Zero(t, s.Snapshot().Intervals)
}

func TestStopAwaitsContextsAndRejectsSchedule(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	s.Start()

	exited := make(chan struct{})
	h, err := s.Schedule(Request{Name: "worker", At: schedule.Expr("@hourly"), Ref: job.DirectFunc(func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(exited)
		return nil
	})})
	require.NoError(t, err)
	_, err = s.Schedule(Request{Name: "later", At: schedule.At(time.Now().Add(time.Hour)), Ref: noop()})
	require.NoError(t, err)
	s.fire("worker", genOf(t, s, "worker"))
	waitClosed(t, h.Started(), "started")

	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-exited:
	default:
		t.Fatal("Stop returned before the context exited")
	}
	waitClosed(t, h.Done(), "done")

	snap := s.Snapshot()
	assert.True(t, snap.Stopped)
	assert.Empty(t, snap.Jobs)
	assert.Zero(t, snap.Timeouts)
	assert.Zero(t, snap.Intervals)
	assert.Zero(t, snap.Running)

	_, err = s.Schedule(Request{Name: "late", At: schedule.Expr("@hourly"), Ref: noop()})
	require.ErrorIs(t, err, ErrStopped)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStopHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	s.Start()

	release := make(chan struct{})
	defer close(release)
	h, err := s.Schedule(Request{Name: "stubborn", At: schedule.Expr("@hourly"), Ref: job.DirectFunc(func(context.Context) error {
		<-release
		return nil
	})})
	require.NoError(t, err)
	s.fire("stubborn", genOf(t, s, "stubborn"))
	waitClosed(t, h.Started(), "started")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestScheduleLogsNextRun(t *testing.T) {
	t.Parallel()
	buf := &syncBuffer{}
	s := newService(t, Options{Log: logx.NewJSON(buf, "info")})

	_, err := s.Schedule(Request{Name: "digest", At: schedule.Expr("every 5 minutes"), Ref: noop()})
	require.NoError(t, err)
	_, err = s.Schedule(Request{Name: "once", At: schedule.At(time.Now().Add(time.Hour)), Ref: noop()})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Scheduling job digest at every 5 minutes. Next run on: ")
	assert.True(t, strings.Contains(out, `"message":"Scheduling job once at `))
}

func TestFailureLoggingIsThrottled(t *testing.T) {
	t.Parallel()
	buf := &syncBuffer{}
	s := New(Options{Log: logx.NewJSON(buf, "info"), Config: Config{FailureLogEvery: time.Hour}})

	for i := 0; i < 5; i++ {
		s.reportFailure("noisy", "", errors.New("boom"))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "scheduled job failed"))
}

func TestTimezoneApplied(t *testing.T) {
	t.Parallel()
	s := newService(t, Options{Config: Config{Timezone: "Asia/Tokyo"}})
	assert.Equal(t, "Asia/Tokyo", s.Snapshot().Timezone)

	_, err := s.Schedule(Request{Name: "tz", At: schedule.Expr("0 9 * * *"), Ref: noop()})
	require.NoError(t, err)
	s.Apply(Config{Timezone: "UTC"})
	assert.Equal(t, "UTC", s.Snapshot().Timezone)
	next := jobInfo(t, s, "tz").Next
	require.False(t, next.IsZero())
	assert.Equal(t, 9, next.UTC().Hour())
}
