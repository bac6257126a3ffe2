package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/metrics"
	"jobmanager/internal/task/execctx"
	"jobmanager/internal/task/job"
	"jobmanager/internal/task/schedule"
	logx "jobmanager/pkg/logx"
)

var (
	ErrNameRequired = errors.New("Name parameter should be present if job is a function") //nolint:staticcheck // message is part of the public contract
	ErrStopped      = errors.New("scheduler stopped")
)

// Config controls the coordinator.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// FailureLogEvery bounds how often failures of the same job are logged at error level.
	FailureLogEvery time.Duration
	// SpreadIntervals delays the first run of interval schedules by a random
	// fraction of the interval (at most 30s) so jobs registered together don't fire together.
	SpreadIntervals bool
}

type Options struct {
	Context  context.Context
	Config   Config
	Log      logx.Logger
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Driver   execctx.Driver
	Parser   schedule.Parser
	Resolver job.Resolver
	Clock    func() time.Time
}

// Request describes one registration.
type Request struct {
	// Name is optional for named references; it defaults to the base file name
	// without extension.
	Name string
	At   schedule.Spec
	Ref  job.Ref
	Data any
}

type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	Name      string    `json:"name"`
	ContextID string    `json:"context_id,omitempty"`
	Next      time.Time `json:"next,omitempty"`
	Code      int       `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type JobInfo struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Schedule  string    `json:"schedule"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	State     string    `json:"state"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Skipped   uint64    `json:"skipped"`
	LastError string    `json:"last_error,omitempty"`
	ContextID string    `json:"context_id,omitempty"`
}

type Snapshot struct {
	Timezone string    `json:"timezone"`
	Stopped  bool      `json:"stopped"`
	Jobs     []JobInfo `json:"jobs"`
	// Timeouts counts armed one-shot timers, Intervals counts recurring entries.
	Timeouts  int `json:"timeouts"`
	Intervals int `json:"intervals"`
	Running   int `json:"running"`
}

type entry struct {
	name   string
	spec   schedule.Spec
	norm   schedule.Normalized
	ref    job.Ref
	data   any
	gen    uint64
	state  State
	handle *Handle

	timer   *time.Timer
	at      time.Time
	entryID cron.EntryID

	running execctx.Handle
	// deferred marks a one-shot whose fire found a context of its predecessor
	// still running; it fires when that context exits.
	deferred bool

	prev     time.Time
	runs     uint64
	failures uint64
	skipped  uint64
	lastErr  string
}

// Handle refers to one registration. It stays valid after the job is replaced
// or removed; Next then reports the zero time.
type Handle struct {
	name string
	kind schedule.Kind
	svc  *Service

	startOnce sync.Once
	started   chan struct{}
	doneOnce  sync.Once
	done      chan struct{}
}

func newHandle(svc *Service, name string, kind schedule.Kind) *Handle {
	return &Handle{name: name, kind: kind, svc: svc, started: make(chan struct{}), done: make(chan struct{})}
}

func (h *Handle) Name() string        { return h.name }
func (h *Handle) Kind() schedule.Kind { return h.kind }

// Next is the next planned fire time, or zero if the registration is gone.
func (h *Handle) Next() time.Time { return h.svc.nextFor(h) }

// Started is closed once the first execution context of this registration starts.
func (h *Handle) Started() <-chan struct{} { return h.started }

// Done is closed when the registration reaches the stopped state.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) markStarted() { h.startOnce.Do(func() { close(h.started) }) }
func (h *Handle) markDone()    { h.doneOnce.Do(func() { close(h.done) }) }
