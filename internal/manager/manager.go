// Package manager is the public face of the job manager: one-off jobs go to the
// immediate queue, scheduled jobs to the coordinator, and Shutdown stops both in
// order.
package manager

import (
	"context"
	"sync"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/metrics"
	"jobmanager/internal/task/execctx"
	"jobmanager/internal/task/job"
	"jobmanager/internal/task/queue"
	"jobmanager/internal/task/schedule"
	"jobmanager/internal/task/scheduler"
	logx "jobmanager/pkg/logx"
)

type Options struct {
	Context   context.Context
	Log       logx.Logger
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Resolver  job.Resolver
	Driver    execctx.Driver
	Parser    schedule.Parser
	Scheduler scheduler.Config
	// OnError observes failures of one-off jobs after they have been logged.
	OnError func(err *queue.UnhandledJobError)
}

type Manager struct {
	log   logx.Logger
	queue *queue.Queue
	sched *scheduler.Service

	shutMu sync.Mutex
	closed bool
}

type Snapshot struct {
	Queue     queue.Snapshot     `json:"queue"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

// New builds the queue and the coordinator and starts both.
func New(opts Options) *Manager {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	q := queue.New(queue.Options{
		Log:      log,
		Bus:      opts.Bus,
		Metrics:  opts.Metrics,
		Resolver: opts.Resolver,
		OnError:  opts.OnError,
	})
	s := scheduler.New(scheduler.Options{
		Context:  ctx,
		Config:   opts.Scheduler,
		Log:      log,
		Bus:      opts.Bus,
		Metrics:  opts.Metrics,
		Driver:   opts.Driver,
		Parser:   opts.Parser,
		Resolver: opts.Resolver,
	})
	q.Start(ctx)
	s.Start()

	return &Manager{
		log:   log.With(logx.String("comp", "manager")),
		queue: q,
		sched: s,
	}
}

// AddJob submits ref to the immediate queue and returns without waiting for it to run.
func (m *Manager) AddJob(ref job.Ref, data any) error {
	_, err := m.queue.Push(ref, data)
	return err
}

// ScheduleJob registers ref to run at the given schedule. name may be empty for
// named references; it then defaults to the base file name without extension.
func (m *Manager) ScheduleJob(at schedule.Spec, ref job.Ref, data any, name string) (*scheduler.Handle, error) {
	return m.sched.Schedule(scheduler.Request{Name: name, At: at, Ref: ref, Data: data})
}

// RemoveJob unregisters a scheduled job, stopping and awaiting a running occurrence.
func (m *Manager) RemoveJob(ctx context.Context, name string) bool {
	return m.sched.Remove(ctx, name)
}

func (m *Manager) QueueIdle() bool { return m.queue.Idle() }

// Scheduler exposes the coordinator for configuration updates.
func (m *Manager) Scheduler() *scheduler.Service { return m.sched }

func (m *Manager) Snapshot() Snapshot {
	return Snapshot{Queue: m.queue.Snapshot(), Scheduler: m.sched.Snapshot()}
}
