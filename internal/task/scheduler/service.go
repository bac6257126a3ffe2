package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/metrics"
	rtsup "jobmanager/internal/runtime/supervisor"
	"jobmanager/internal/task/execctx"
	"jobmanager/internal/task/job"
	"jobmanager/internal/task/schedule"
	logx "jobmanager/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	loc      *time.Location
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	driver   execctx.Driver
	parser   schedule.Parser
	resolver job.Resolver
	now      func() time.Time

	sup     *rtsup.Supervisor
	c       *cron.Cron
	started bool
	stopped bool
	gen     uint64
	jobs    map[string]*entry
	// active holds every running execution context, including those of jobs
	// that were replaced or removed while running.
	active map[string]execctx.Handle

	failMu   sync.Mutex
	failLims map[string]*failLimiter
}

func New(opts Options) *Service {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	parser := opts.Parser
	if parser == nil {
		parser = schedule.NewParser()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	s := &Service{
		log:      log,
		cfg:      opts.Config,
		bus:      bus,
		metrics:  opts.Metrics,
		parser:   parser,
		resolver: opts.Resolver,
		now:      now,
		sup:      rtsup.New(ctx, rtsup.WithLogger(log)),
		jobs:     map[string]*entry{},
		active:   map[string]execctx.Handle{},
		failLims: map[string]*failLimiter{},
	}
	s.driver = opts.Driver
	if s.driver == nil {
		s.driver = execctx.NewGoroutineDriver(s.sup, log)
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	return s
}

// Start starts the cron runner. One-shot timers are armed at registration and do
// not depend on Start.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Apply updates the configuration. A timezone change rebuilds the cron runner and
// re-registers every recurring job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.stopped || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.restartLocked()
}

func (s *Service) restartLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		if e.entryID != 0 {
			old.Remove(e.entryID)
			e.entryID = 0
			s.addCronLocked(e)
		}
	}
	if s.started {
		// Stop without waiting: in-flight callbacks of the old runner may be
		// blocked on s.mu, and their generation check drops them.
		old.Stop()
		s.c.Start()
	}
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop tears everything down: no new registrations, no timers, no cron entries.
// Running contexts are asked to stop and awaited concurrently until ctx is done.
// Calling Stop again waits for contexts that are still running.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	first := !s.stopped
	s.stopped = true
	var handles []*Handle
	if first {
		for name, e := range s.jobs {
			s.disarmLocked(e)
			e.state = StateStopped
			handles = append(handles, e.handle)
			delete(s.jobs, name)
		}
	}
	running := make([]execctx.Handle, 0, len(s.active))
	for _, h := range s.active {
		running = append(running, h)
	}
	c := s.c
	s.mu.Unlock()

	if first {
		s.log.Info("stop requested", logx.Int("jobs", len(handles)), logx.Int("running", len(running)))
		s.metrics.JobsScheduled(0)
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range running {
		h := h
		h.Stop()
		g.Go(func() error {
			select {
			case <-h.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	for _, h := range handles {
		h.markDone()
	}
	if err != nil {
		s.log.Warn("stop interrupted; contexts still running", logx.Err(err))
		return err
	}
	if err := s.sup.Stop(ctx); err != nil {
		return err
	}
	if first {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Service) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// failLimiter throttles error-level logging of one job's failures.
type failLimiter struct {
	lim        *rate.Limiter
	suppressed int
}
