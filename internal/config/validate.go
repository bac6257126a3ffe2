package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"jobmanager/internal/task/schedule"
	logx "jobmanager/pkg/logx"
)

// Validate checks everything that can be checked without side effects. Errors
// carry the path of the offending field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	_, err := ParseDurationField("tasks.command_grace", cfg.Tasks.CommandGrace)
	add(err)

	loc, err := cfg.Scheduler.Location()
	add(err)
	_, err = ParseDurationField("scheduler.failure_log_every", cfg.Scheduler.FailureLogEvery)
	add(err)

	_, err = ParseDurationField("shutdown.poll_interval", cfg.Shutdown.PollInterval)
	add(err)
	_, err = ParseDurationField("shutdown.timeout", cfg.Shutdown.Timeout)
	add(err)

	add(validateOps(cfg.Ops))

	if loc == nil {
		loc = time.Local
	}
	add(validateJobs(cfg.Jobs, loc))

	return errors.Join(errs...)
}

// Location resolves Timezone; empty means Local.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func validateOps(o OpsConfig) error {
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", o.ReadTimeout},
		{"ops.write_timeout", o.WriteTimeout},
		{"ops.idle_timeout", o.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if !o.Enabled {
		return nil
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
		return fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", addr)
	}
	return nil
}

// IsLoopbackHost reports whether host names the loopback interface.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateJobs(jobs []JobConfig, loc *time.Location) error {
	seen := make(map[string]int, len(jobs))
	parser := schedule.NewParser()
	now := time.Now().In(loc)
	for i, j := range jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := j.EffectiveName()
		if name == "" {
			return fmt.Errorf("%s.name: required when task has no base name", path)
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("%s.name: %q already used by jobs[%d]", path, name, prev)
		}
		seen[name] = i
		if strings.TrimSpace(j.Task) == "" {
			return fmt.Errorf("%s.task: required", path)
		}
		spec, err := j.Spec(loc)
		if err != nil {
			return fmt.Errorf("%s.at: %w", path, err)
		}
		if spec.IsAbsolute() {
			continue
		}
		if _, err := schedule.Normalize(spec, parser, now); err != nil {
			return fmt.Errorf("%s.at: %w", path, err)
		}
	}
	return nil
}
