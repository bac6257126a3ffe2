package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	logx "jobmanager/pkg/logx"
)

const defaultFailureLogEvery = 5 * time.Second

// reportFailure logs an occurrence failure. Repeated failures of the same job are
// logged at error level at most once per FailureLogEvery; the rest go to debug and
// are counted in the next error line.
func (s *Service) reportFailure(name, ctxID string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	every := s.cfg.FailureLogEvery
	s.mu.Unlock()
	if every <= 0 {
		every = defaultFailureLogEvery
	}

	s.failMu.Lock()
	fl := s.failLims[name]
	if fl == nil || fl.lim.Limit() != rate.Every(every) {
		fl = &failLimiter{lim: rate.NewLimiter(rate.Every(every), 1)}
		s.failLims[name] = fl
	}
	allow := fl.lim.Allow()
	suppressed := fl.suppressed
	if allow {
		fl.suppressed = 0
	} else {
		fl.suppressed++
	}
	s.failMu.Unlock()

	if !allow {
		s.log.Debug("scheduled job failed", logx.String("name", name), logx.String("context_id", ctxID), logx.Err(err))
		return
	}
	fields := []logx.Field{logx.String("name", name), logx.Err(err)}
	if ctxID != "" {
		fields = append(fields, logx.String("context_id", ctxID))
	}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	s.log.Error("scheduled job failed", fields...)
}
