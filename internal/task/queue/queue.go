// Package queue implements the immediate queue: an unbounded FIFO of one-off jobs
// run one at a time, in submission order, on a single supervised lane.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/metrics"
	rtsup "jobmanager/internal/runtime/supervisor"
	"jobmanager/internal/task/job"
	logx "jobmanager/pkg/logx"
)

type Options struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Resolver job.Resolver
	// OnError observes every contained job failure. It must not block for long;
	// the lane waits for it. Panics are recovered.
	OnError func(err *UnhandledJobError)
}

// Event is the payload of queue.* bus events.
type Event struct {
	ID       string        `json:"id"`
	Context  string        `json:"context"`
	Pending  int           `json:"pending"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Pending   int    `json:"pending"`
	Running   bool   `json:"running"`
	Current   string `json:"current,omitempty"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Stopped   bool   `json:"stopped"`
}

type entry struct {
	id         string
	ref        job.Ref
	data       any
	enqueuedAt time.Time
}

type Queue struct {
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	resolver job.Resolver
	onError  func(err *UnhandledJobError)

	mu        sync.Mutex
	items     []entry
	current   *entry
	idleCh    chan struct{} // closed while idle
	wake      chan struct{}
	stopped   bool
	sup       *rtsup.Supervisor
	processed uint64
	failed    uint64
}

func New(opts Options) *Queue {
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		log:      opts.Log.With(logx.String("comp", "queue")),
		bus:      bus,
		metrics:  opts.Metrics,
		resolver: opts.Resolver,
		onError:  opts.OnError,
		idleCh:   idle,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker lane. It is idempotent; a stopped queue cannot be restarted.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil || q.stopped {
		return
	}
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log))
	q.sup.GoRestart("queue.lane", q.lane, rtsup.WithRestartBackoff(50*time.Millisecond, 2*time.Second))
}

// Push enqueues ref and returns its entry ID. The queue is non-idle when Push returns.
func (q *Queue) Push(ref job.Ref, data any) (string, error) {
	if ref.IsZero() {
		return "", job.ErrEmptyRef
	}
	e := entry{id: uuid.NewString(), ref: ref, data: data, enqueuedAt: time.Now()}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if q.isIdleLocked() {
		q.idleCh = make(chan struct{})
	}
	q.items = append(q.items, e)
	pending := q.depthLocked()
	// Published under the lock so queue.added always precedes queue.started.
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueAdded, Time: e.enqueuedAt, Data: Event{ID: e.id, Context: ref.Identity(), Pending: pending}})
	q.mu.Unlock()

	q.log.Info("Adding one off job to the queue", logx.String("id", e.id), logx.String("context", ref.Identity()), logx.Int("pending", pending))
	q.metrics.QueuePushed(pending)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return e.id, nil
}

// Idle reports whether nothing is waiting and nothing is running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isIdleLocked()
}

// Len is the number of entries waiting plus the one running, if any.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// WaitIdle blocks until the queue is idle or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.isIdleLocked() {
			q.mu.Unlock()
			return nil
		}
		ch := q.idleCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		Pending:   len(q.items),
		Running:   q.current != nil,
		Processed: q.processed,
		Failed:    q.failed,
		Stopped:   q.stopped,
	}
	if q.current != nil {
		s.Current = q.current.ref.Identity()
	}
	return s
}

// Stop rejects further pushes, discards entries that have not started and cancels
// the context of the running one, then waits for the lane to exit.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	q.stopped = true
	dropped := len(q.items)
	q.items = nil
	if q.current == nil {
		q.markIdleLocked()
	}
	sup := q.sup
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Warn("queue stopped with pending jobs", logx.Int("dropped", dropped))
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (q *Queue) isIdleLocked() bool { return len(q.items) == 0 && q.current == nil }

func (q *Queue) depthLocked() int {
	n := len(q.items)
	if q.current != nil {
		n++
	}
	return n
}

func (q *Queue) markIdleLocked() {
	select {
	case <-q.idleCh:
	default:
		close(q.idleCh)
	}
}

func (q *Queue) lane(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.stopped {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}
		e := q.items[0]
		q.items[0] = entry{}
		q.items = q.items[1:]
		q.current = &e
		q.mu.Unlock()

		err := q.exec(ctx, e)

		q.mu.Lock()
		q.current = nil
		q.processed++
		if err != nil {
			q.failed++
		}
		depth := q.depthLocked()
		if q.isIdleLocked() {
			q.markIdleLocked()
		}
		q.mu.Unlock()
		q.metrics.QueueProcessed(depth, time.Since(e.enqueuedAt), err)
	}
}

// exec runs one entry and contains every failure. The returned error is only used
// for bookkeeping.
func (q *Queue) exec(ctx context.Context, e entry) error {
	identity := e.ref.Identity()
	start := time.Now()
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueStarted, Time: start, Data: Event{ID: e.id, Context: identity}})
	q.log.Debug("queue.started", logx.String("id", e.id), logx.String("context", identity), logx.Duration("queue_delay", start.Sub(e.enqueuedAt)))

	err := q.invoke(ctx, e)
	dur := time.Since(start)

	if err == nil {
		q.log.Debug("queue.finished", logx.String("id", e.id), logx.String("context", identity), logx.Duration("dur", dur))
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueFinished, Data: Event{ID: e.id, Context: identity, Duration: dur}})
		return nil
	}

	uerr := &UnhandledJobError{Context: identity, ID: e.id, Err: err}
	q.log.Error("Processed job threw an unhandled error",
		logx.Critical(),
		logx.String("errorType", "UnhandledJobError"),
		logx.String("context", identity),
		logx.String("id", e.id),
		logx.Duration("dur", dur),
		logx.Err(err),
	)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueFailed, Data: Event{ID: e.id, Context: identity, Duration: dur, Error: err.Error()}})
	q.terminal(uerr)
	return uerr
}

func (q *Queue) invoke(ctx context.Context, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Debug("queue.panic", logx.String("id", e.id), logx.Stack(string(debug.Stack())))
		}
	}()
	fn, err := job.Resolve(q.resolver, e.ref)
	if err != nil {
		return err
	}
	ctx = job.WithMeta(ctx, job.Meta{Name: e.ref.Identity(), ContextID: e.id, FiredAt: time.Now()})
	return fn(ctx, e.data)
}

// terminal is the last stop for a contained failure; it never propagates.
func (q *Queue) terminal(err *UnhandledJobError) {
	if q.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Warn("queue error handler panicked", logx.Any("panic", r))
		}
	}()
	q.onError(err)
}
