// Package execctx runs one occurrence of a scheduled job in an isolated execution
// context and reports its outcome as signals.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "jobmanager/internal/runtime/supervisor"
	"jobmanager/internal/task/job"
	logx "jobmanager/pkg/logx"
)

type SignalKind int

const (
	SignalError SignalKind = iota + 1
	SignalExit
)

func (k SignalKind) String() string {
	switch k {
	case SignalError:
		return "error"
	case SignalExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Signal is emitted by a running context. A context emits at most one
// SignalError followed by exactly one SignalExit, then closes the channel.
type Signal struct {
	Kind SignalKind
	Err  error
	Code int
	Time time.Time
}

// Descriptor is what the driver needs to start one occurrence.
type Descriptor struct {
	Name     string
	Ref      job.Ref
	Data     any
	Resolver job.Resolver
	FiredAt  time.Time
}

type Handle interface {
	ID() string
	Name() string
	// Stop requests cooperative termination. It does not wait.
	Stop()
	Signals() <-chan Signal
	// Done is closed after the exit signal has been delivered.
	Done() <-chan struct{}
}

type Driver interface {
	Start(ctx context.Context, d Descriptor) (Handle, error)
}

// GoroutineDriver runs occurrences as supervised goroutines inside the process.
// Exit code is 0 on success and 1 on error or panic, unless the job failed with a
// process exit status, which is passed through.
type GoroutineDriver struct {
	log logx.Logger
	sup *rtsup.Supervisor
}

// NewGoroutineDriver returns a driver. sup may be nil; goroutines are then unsupervised.
func NewGoroutineDriver(sup *rtsup.Supervisor, log logx.Logger) *GoroutineDriver {
	return &GoroutineDriver{sup: sup, log: log}
}

func (d *GoroutineDriver) Start(ctx context.Context, desc Descriptor) (Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fn, err := job.Resolve(desc.Resolver, desc.Ref)
	if err != nil {
		return nil, err
	}
	fired := desc.FiredAt
	if fired.IsZero() {
		fired = time.Now()
	}

	h := &handle{
		id:      uuid.NewString(),
		name:    desc.Name,
		signals: make(chan Signal, 2),
		done:    make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(job.WithMeta(ctx, job.Meta{Name: desc.Name, ContextID: h.id, FiredAt: fired}))
	h.cancel = cancel

	run := func(context.Context) error {
		defer cancel()
		err := d.invoke(runCtx, h, fn, desc.Data)
		h.finish(err)
		return nil
	}
	if d.sup != nil {
		d.sup.Go("execctx."+desc.Name, run)
	} else {
		go func() { _ = run(runCtx) }()
	}
	return h, nil
}

func (d *GoroutineDriver) invoke(ctx context.Context, h *handle, fn job.Func, data any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.log.Error("execctx.panic", logx.String("job", h.name), logx.String("ctx_id", h.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(ctx, data)
}

type handle struct {
	id     string
	name   string
	cancel context.CancelFunc

	signals chan Signal
	done    chan struct{}
	once    sync.Once
}

func (h *handle) ID() string             { return h.id }
func (h *handle) Name() string           { return h.name }
func (h *handle) Stop()                  { h.cancel() }
func (h *handle) Signals() <-chan Signal { return h.signals }
func (h *handle) Done() <-chan struct{}  { return h.done }

func (h *handle) finish(err error) {
	h.once.Do(func() {
		now := time.Now()
		if err != nil {
			h.signals <- Signal{Kind: SignalError, Err: err, Time: now}
		}
		h.signals <- Signal{Kind: SignalExit, Code: exitCode(err), Time: now}
		close(h.signals)
		close(h.done)
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return ee.ExitCode()
	}
	return 1
}
