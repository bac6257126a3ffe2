package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "jobmanager/pkg/logx"
)

// ErrDrainTimeout is returned when the immediate queue is still busy after the
// shutdown timeout. The coordinator is already stopped at that point; calling
// Shutdown again keeps waiting for the queue.
var ErrDrainTimeout = errors.New("timed out waiting for busy job queue")

const (
	defaultPollInterval = time.Second
	maxPollInterval     = 30 * time.Second
)

type ShutdownOptions struct {
	// PollInterval is the first delay between "still draining" progress logs.
	// Later delays grow exponentially.
	PollInterval time.Duration
	// Timeout bounds the wait for the queue to drain. Zero means no bound other
	// than ctx.
	Timeout time.Duration
}

// Shutdown stops the coordinator, waits for the immediate queue to drain and then
// stops the queue worker. Concurrent calls are serialized; once a call has
// completed, later calls return nil immediately.
func (m *Manager) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.shutMu.Lock()
	defer m.shutMu.Unlock()
	if m.closed {
		return nil
	}

	if err := m.sched.Stop(ctx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}

	if !m.queue.Idle() {
		m.log.Warn("Waiting for busy job queue", logx.Int("pending", m.queue.Len()))
		if err := m.drain(ctx, opts); err != nil {
			return err
		}
		m.log.Warn("Job queue finished")
	}

	if err := m.queue.Stop(ctx); err != nil {
		return fmt.Errorf("stop queue: %w", err)
	}
	m.closed = true
	return nil
}

func (m *Manager) drain(ctx context.Context, opts ShutdownOptions) error {
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = maxPollInterval
	bo.MaxElapsedTime = 0
	ticker := backoff.NewTicker(backoff.WithContext(bo, waitCtx))
	defer ticker.Stop()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- m.queue.WaitIdle(waitCtx) }()

	// The ticker fires once immediately; that tick is skipped.
	first := true
	tick := ticker.C
	for {
		select {
		case err := <-done:
			if err == nil {
				return nil
			}
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				m.log.Error("job queue did not drain in time", logx.Duration("timeout", opts.Timeout), logx.Int("pending", m.queue.Len()))
				return ErrDrainTimeout
			}
			return err
		case _, ok := <-tick:
			if !ok {
				tick = nil
				continue
			}
			if first {
				first = false
				continue
			}
			m.log.Info("job queue still draining", logx.Int("pending", m.queue.Len()), logx.Duration("waited", time.Since(start)))
		}
	}
}
