package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobmanager/internal/eventbus"
	"jobmanager/internal/task/execctx"
	"jobmanager/internal/task/job"
	"jobmanager/internal/task/schedule"
	logx "jobmanager/pkg/logx"
)

// Schedule registers (or replaces) a job and arms its timer.
//
// Normalization happens before anything is registered; a rejected schedule leaves
// the table untouched. Registration is atomic with respect to Stop: after Stop has
// begun, Schedule returns ErrStopped. An absolute time that has passed is not
// run: the returned handle is already done.
func (s *Service) Schedule(req Request) (*Handle, error) {
	if req.Ref.IsZero() {
		return nil, job.ErrEmptyRef
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Ref.DerivedName()
	}
	if name == "" {
		return nil, ErrNameRequired
	}

	s.mu.Lock()
	loc := s.loc
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	now := s.now().In(loc)
	norm, err := schedule.Normalize(req.At, s.parser, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	// A context of the replaced registration keeps running; the new one
	// inherits it so the name never has two contexts at once.
	var inflight execctx.Handle
	if prev, ok := s.jobs[name]; ok {
		s.disarmLocked(prev)
		inflight = prev.running
		prev.state = StateStopped
		prev.handle.markDone()
		delete(s.jobs, name)
		s.log.Debug("job replaced", logx.String("name", name))
	}

	s.gen++
	e := &entry{
		name:  name,
		spec:  req.At,
		norm:  norm,
		ref:   req.Ref,
		data:  req.Data,
		gen:   s.gen,
		state: StateIdle,
	}
	e.handle = newHandle(s, name, norm.Kind)

	if req.At.IsAbsolute() && !req.At.Time().After(now) {
		e.state = StateStopped
		e.handle.markDone()
		s.log.Warn("Job "+name+" is scheduled at "+req.At.String()+", which has passed; it will not run",
			logx.String("name", name), logx.String("target", req.Ref.Identity()))
		s.metrics.JobsScheduled(len(s.jobs))
		return e.handle, nil
	}

	if inflight != nil {
		e.running = inflight
		e.state = StateRunning
	}

	var next time.Time
	if req.At.IsAbsolute() {
		e.at = req.At.Time()
		s.armOnceLocked(e, now)
		next = e.at
		s.log.Info("Scheduling job "+name+" at "+req.At.String(), logx.String("name", name), logx.String("target", req.Ref.Identity()))
	} else {
		s.addCronLocked(e)
		next = norm.Next(now)
		s.log.Info("Scheduling job "+name+" at "+req.At.String()+". Next run on: "+next.Format(time.RFC3339),
			logx.String("name", name),
			logx.String("kind", norm.Kind.String()),
			logx.String("schedule", norm.Description),
			logx.String("target", req.Ref.Identity()),
		)
		if s.log.Enabled(logx.LevelDebug) {
			s.log.Debug("upcoming runs", logx.String("name", name), logx.String("next", formatPreview(norm.Preview(now, 4))))
		}
	}
	s.jobs[name] = e

	s.bus.Publish(eventbus.Event{Type: eventbus.JobScheduled, Data: JobEvent{Name: name, Next: next}})
	s.metrics.JobsScheduled(len(s.jobs))
	return e.handle, nil
}

// Remove unregisters name. A running context is asked to stop and awaited until
// ctx is done. It reports whether the job existed.
func (s *Service) Remove(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.disarmLocked(e)
	e.state = StateStopped
	delete(s.jobs, name)
	running := e.running
	n := len(s.jobs)
	s.mu.Unlock()

	s.metrics.JobsScheduled(n)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobRemoved, Data: JobEvent{Name: name}})
	s.log.Debug("job removed", logx.String("name", name))

	if running != nil {
		running.Stop()
		select {
		case <-running.Done():
		case <-ctx.Done():
			s.log.Warn("removed job still running", logx.String("name", name), logx.String("context_id", running.ID()))
		}
	}
	e.handle.markDone()
	return true
}

// Has reports whether name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

func (s *Service) armOnceLocked(e *entry, now time.Time) {
	name, gen := e.name, e.gen
	e.timer = time.AfterFunc(e.at.Sub(now), func() { s.fire(name, gen) })
}

func (s *Service) addCronLocked(e *entry) {
	sched := e.norm.Schedule
	if s.cfg.SpreadIntervals {
		if d, ok := sched.(cron.ConstantDelaySchedule); ok {
			sched = withStartupSpread(d, s.now().In(s.loc), e.name)
		}
	}
	name, gen := e.name, e.gen
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(name, gen) }))
}

func (s *Service) disarmLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.entryID != 0 {
		s.c.Remove(e.entryID)
		e.entryID = 0
	}
}

// fire starts one occurrence of the job registered as name with generation gen.
// Stale callbacks of replaced or removed registrations are dropped.
func (s *Service) fire(name string, gen uint64) {
	firedAt := s.now()

	s.mu.Lock()
	e, ok := s.jobs[name]
	if s.stopped || !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	if e.running != nil && !e.norm.Recurring() {
		e.timer = nil
		e.deferred = true
		ctxID := e.running.ID()
		s.mu.Unlock()
		s.log.Debug("job deferred until the previous run exits", logx.String("name", name), logx.String("context_id", ctxID))
		return
	}
	if e.running != nil {
		e.skipped++
		ctxID := e.running.ID()
		s.mu.Unlock()
		s.log.Debug("job skipped; previous run still active", logx.String("name", name), logx.String("context_id", ctxID))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: JobEvent{Name: name, ContextID: ctxID}})
		s.metrics.JobSkipped(name)
		return
	}
	once := !e.norm.Recurring()
	if once {
		e.timer = nil
	}

	h, err := s.driver.Start(s.sup.Context(), execctx.Descriptor{
		Name:     name,
		Ref:      e.ref,
		Data:     e.data,
		Resolver: s.resolver,
		FiredAt:  firedAt,
	})
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
		e.prev = firedAt
		if once {
			e.state = StateStopped
			delete(s.jobs, name)
			e.handle.markDone()
		}
		n := len(s.jobs)
		s.mu.Unlock()
		s.reportFailure(name, "", err)
		s.bus.Publish(eventbus.Event{Type: eventbus.JobError, Data: JobEvent{Name: name, Error: err.Error()}})
		s.metrics.JobsScheduled(n)
		return
	}

	e.running = h
	e.state = StateRunning
	e.runs++
	e.prev = firedAt
	s.active[h.ID()] = h
	e.handle.markStarted()
	// Under the lock so job.started precedes the watcher's events and Stop
	// never races the supervisor registration.
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: firedAt, Data: JobEvent{Name: name, ContextID: h.ID()}})
	s.metrics.JobStarted()
	s.sup.Go0("scheduler.watch."+name, func(context.Context) { s.watch(e, h, firedAt) })
	s.mu.Unlock()

	s.log.Debug("job started", logx.String("name", name), logx.String("context_id", h.ID()))
}

// watch consumes the signals of one context and settles the job state once it exits.
func (s *Service) watch(e *entry, h execctx.Handle, firedAt time.Time) {
	var runErr error
	code := 0
	for sig := range h.Signals() {
		switch sig.Kind {
		case execctx.SignalError:
			runErr = sig.Err
			s.reportFailure(e.name, h.ID(), sig.Err)
			s.bus.Publish(eventbus.Event{Type: eventbus.JobError, Time: sig.Time, Data: JobEvent{Name: e.name, ContextID: h.ID(), Error: sig.Err.Error()}})
		case execctx.SignalExit:
			code = sig.Code
			s.bus.Publish(eventbus.Event{Type: eventbus.JobExit, Time: sig.Time, Data: JobEvent{Name: e.name, ContextID: h.ID(), Code: code}})
		}
	}
	dur := time.Since(firedAt)

	s.mu.Lock()
	delete(s.active, h.ID())
	if e.running == h {
		e.running = nil
	}
	if runErr != nil {
		e.failures++
		e.lastErr = runErr.Error()
	}
	finished := false
	var refire *entry
	if cur, ok := s.jobs[e.name]; ok {
		switch {
		case cur == e && e.norm.Recurring():
			e.state = StateIdle
		case cur == e:
			e.state = StateStopped
			delete(s.jobs, e.name)
			finished = true
		case cur.running == h:
			// e was replaced while h ran; cur inherited h.
			cur.running = nil
			cur.state = StateIdle
			if cur.deferred {
				cur.deferred = false
				refire = cur
			}
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	if finished {
		e.handle.markDone()
		s.metrics.JobsScheduled(n)
	}
	if refire != nil {
		s.fire(refire.name, refire.gen)
	}
	s.metrics.JobFinished(e.name, dur, runErr)
	s.log.Debug("job exited", logx.String("name", e.name), logx.String("context_id", h.ID()), logx.Int("code", code), logx.Duration("dur", dur))
}

func (s *Service) nextFor(h *Handle) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[h.name]
	if !ok || e.handle != h {
		return time.Time{}
	}
	return s.nextLocked(e)
}

func (s *Service) nextLocked(e *entry) time.Time {
	if e.timer != nil {
		return e.at
	}
	if e.entryID != 0 {
		if next := s.c.Entry(e.entryID).Next; !next.IsZero() {
			return next
		}
		return e.norm.Next(s.now().In(s.loc))
	}
	return time.Time{}
}

func formatPreview(ts []time.Time) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
