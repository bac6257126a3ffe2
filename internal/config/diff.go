package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobmanager/pkg/logx"
)

// JobChanges lists configured jobs by effective name.
type JobChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c JobChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the job-level changes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Bool("tasks.commands", newCfg.Tasks.Commands),
			logx.String("tasks.command_grace", strings.TrimSpace(newCfg.Tasks.CommandGrace)),
			// Env may carry secrets; count only.
			logx.Int("tasks.command_env_count", len(newCfg.Tasks.CommandEnv)),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.FailureLogEvery) != strings.TrimSpace(newCfg.Scheduler.FailureLogEvery) ||
		oldCfg.Scheduler.SpreadIntervals != newCfg.Scheduler.SpreadIntervals {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.failure_log_every", strings.TrimSpace(newCfg.Scheduler.FailureLogEvery)),
			logx.Bool("scheduler.spread_intervals", newCfg.Scheduler.SpreadIntervals),
		)
	}

	if !reflect.DeepEqual(oldCfg.Shutdown, newCfg.Shutdown) {
		changed = append(changed, "shutdown")
		attrs = append(attrs,
			logx.String("shutdown.poll_interval", strings.TrimSpace(newCfg.Shutdown.PollInterval)),
			logx.String("shutdown.timeout", strings.TrimSpace(newCfg.Shutdown.Timeout)),
		)
	}

	// Ops (never log token)
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	nTokenSet := strings.TrimSpace(nOps.Token) != ""
	tokenChanged := strings.TrimSpace(oOps.Token) != strings.TrimSpace(nOps.Token)
	oOps.Token, nOps.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oOps, nOps) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nOps.Addr)),
			logx.Bool("ops.token_set", nTokenSet),
			logx.Bool("ops.allow_insecure", nOps.AllowInsecure),
			logx.Bool("ops.pprof", nOps.Pprof),
			logx.Bool("ops.metrics", nOps.Metrics),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jobs.Added)),
			logx.Int("jobs.removed", len(jobs.Removed)),
			logx.Int("jobs.changed", len(jobs.Changed)),
			logx.Int("jobs.enabled_count", countEnabled(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func countEnabled(jobs []JobConfig) int {
	n := 0
	for _, j := range jobs {
		if j.IsEnabled() {
			n++
		}
	}
	return n
}

// diffJobs compares enabled jobs by effective name. Disabling a job counts as removal.
func diffJobs(oldJobs, newJobs []JobConfig) JobChanges {
	index := func(jobs []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(jobs))
		for _, j := range jobs {
			if j.IsEnabled() {
				m[j.EffectiveName()] = j
			}
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	var out JobChanges
	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case !sameJob(o, n):
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}

func sameJob(a, b JobConfig) bool {
	return strings.TrimSpace(a.At) == strings.TrimSpace(b.At) &&
		strings.TrimSpace(a.Task) == strings.TrimSpace(b.Task) &&
		canonicalHashJSON(a.Data) == canonicalHashJSON(b.Data)
}
