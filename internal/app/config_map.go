package app

import (
	"time"

	"jobmanager/internal/config"
	"jobmanager/internal/manager"
	"jobmanager/internal/observability/ops"
	"jobmanager/internal/task/job"
	"jobmanager/internal/task/scheduler"
	logx "jobmanager/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	every, err := config.ParseDurationOrDefault("scheduler.failure_log_every", cfg.Scheduler.FailureLogEvery, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:        cfg.Scheduler.Timezone,
		FailureLogEvery: every,
		SpreadIntervals: cfg.Scheduler.SpreadIntervals,
	}, nil
}

func mapShutdownOptions(cfg *config.Config) (manager.ShutdownOptions, error) {
	poll, err := config.ParseDurationOrDefault("shutdown.poll_interval", cfg.Shutdown.PollInterval, time.Second)
	if err != nil {
		return manager.ShutdownOptions{}, err
	}
	timeout, err := config.ParseDurationField("shutdown.timeout", cfg.Shutdown.Timeout)
	if err != nil {
		return manager.ShutdownOptions{}, err
	}
	return manager.ShutdownOptions{PollInterval: poll, Timeout: timeout}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		Metrics:       o.Metrics,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapCommandRunner returns the fallback resolver for names that are not built in,
// or nil when commands are disabled.
func mapCommandRunner(cfg *config.Config, log logx.Logger) (job.Resolver, error) {
	if !cfg.Tasks.Commands {
		return nil, nil
	}
	grace, err := config.ParseDurationOrDefault("tasks.command_grace", cfg.Tasks.CommandGrace, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return job.CommandRunner{
		Log:   log.With(logx.String("comp", "command")),
		Grace: grace,
		Env:   append([]string(nil), cfg.Tasks.CommandEnv...),
	}, nil
}
