package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/task/job"
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

func (s *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(s.b.String()), "\n") {
		if ln == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(ln), &m))
		out = append(out, m)
	}
	return out
}

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q := New(opts)
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{})

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 20; i++ {
		i := i
		_, err := q.Push(job.DirectFunc(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}), nil)
		require.NoError(t, err)
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueueRunsOneAtATime(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{})

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		_, err := q.Push(job.DirectFunc(func(context.Context) error {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}), nil)
		require.NoError(t, err)
	}
	waitIdle(t, q)
	assert.Equal(t, 1, maxSeen)
}

func TestQueueNotIdleSynchronouslyAfterPush(t *testing.T) {
	t.Parallel()
	q := New(Options{})
	require.True(t, q.Idle())

	release := make(chan struct{})
	_, err := q.Push(job.DirectFunc(func(context.Context) error {
		<-release
		return nil
	}), nil)
	require.NoError(t, err)
	assert.False(t, q.Idle())
	assert.Equal(t, 1, q.Len())

	q.Start(context.Background())
	close(release)
	waitIdle(t, q)
	assert.True(t, q.Idle())
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueueContainsErrors(t *testing.T) {
	t.Parallel()
	buf := &syncBuffer{}
	var (
		mu     sync.Mutex
		caught []*UnhandledJobError
	)
	q := newQueue(t, Options{
		Log: logx.NewJSON(buf, "debug"),
		OnError: func(err *UnhandledJobError) {
			mu.Lock()
			caught = append(caught, err)
			mu.Unlock()
		},
	})

	boom := errors.New("boom")
	ran := false
	_, err := q.Push(job.DirectFunc(func(context.Context) error { return boom }), nil)
	require.NoError(t, err)
	_, err = q.Push(job.DirectFunc(func(context.Context) error { ran = true; return nil }), nil)
	require.NoError(t, err)
	waitIdle(t, q)

	assert.True(t, ran, "queue kept running after a failed job")

	mu.Lock()
	require.Len(t, caught, 1)
	assert.Equal(t, job.IdentityFunction, caught[0].Context)
	assert.ErrorIs(t, caught[0], boom)
	mu.Unlock()

	var failures []map[string]any
	for _, ln := range buf.lines(t) {
		if ln["message"] == "Processed job threw an unhandled error" {
			failures = append(failures, ln)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "error", failures[0]["level"])
	assert.Equal(t, "critical", failures[0]["severity"])
	assert.Equal(t, "UnhandledJobError", failures[0]["errorType"])
	assert.Equal(t, "function", failures[0]["context"])
	assert.Equal(t, "boom", failures[0]["err"])

	snap := q.Snapshot()
	assert.Equal(t, uint64(2), snap.Processed)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestQueueContainsPanics(t *testing.T) {
	t.Parallel()
	var got *UnhandledJobError
	done := make(chan struct{})
	q := newQueue(t, Options{OnError: func(err *UnhandledJobError) {
		got = err
		close(done)
	}})

	_, err := q.Push(job.DirectFunc(func(context.Context) error { panic("kaboom") }), nil)
	require.NoError(t, err)
	<-done
	waitIdle(t, q)
	assert.Contains(t, got.Error(), "kaboom")

	ran := make(chan struct{})
	_, err = q.Push(job.DirectFunc(func(context.Context) error { close(ran); return nil }), nil)
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not continue after panic")
	}
}

func TestQueuePanickingErrorHandlerIsRecovered(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{OnError: func(*UnhandledJobError) { panic("handler") }})
	_, err := q.Push(job.DirectFunc(func(context.Context) error { return errors.New("x") }), nil)
	require.NoError(t, err)
	ran := make(chan struct{})
	_, err = q.Push(job.DirectFunc(func(context.Context) error { close(ran); return nil }), nil)
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stalled after handler panic")
	}
}

func TestQueueNamedRefUsesPathAsContext(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	var payload any
	require.NoError(t, reg.Register("cleanup", func(_ context.Context, data any) error {
		payload = data
		return nil
	}))

	var failed *UnhandledJobError
	q := newQueue(t, Options{Resolver: reg, OnError: func(err *UnhandledJobError) { failed = err }})

	_, err := q.Push(job.Named("/jobs/cleanup.js"), map[string]int{"days": 7})
	require.NoError(t, err)
	_, err = q.Push(job.Named("/jobs/missing.js"), nil)
	require.NoError(t, err)
	waitIdle(t, q)

	assert.Equal(t, map[string]int{"days": 7}, payload)
	require.NotNil(t, failed)
	assert.Equal(t, "/jobs/missing.js", failed.Context)
	assert.ErrorIs(t, failed, job.ErrNotFound)
}

func TestQueuePushAfterStop(t *testing.T) {
	t.Parallel()
	q := New(Options{})
	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))

	_, err := q.Push(job.DirectFunc(func(context.Context) error { return nil }), nil)
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, q.Idle())

	_, err = New(Options{}).Push(job.Ref{}, nil)
	require.ErrorIs(t, err, job.ErrEmptyRef)
}

func TestQueueWaitIdleHonorsContext(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{})
	release := make(chan struct{})
	defer close(release)
	_, err := q.Push(job.DirectFunc(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestQueuePublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	q := newQueue(t, Options{Bus: bus})

	_, err := q.Push(job.DirectFunc(func(context.Context) error { return errors.New("x") }), nil)
	require.NoError(t, err)
	waitIdle(t, q)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.QueueAdded, eventbus.QueueStarted, eventbus.QueueFailed}, types)
}
