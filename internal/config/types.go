package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"jobmanager/internal/task/job"
	"jobmanager/internal/task/schedule"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Tasks     TasksConfig     `json:"tasks,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Shutdown  ShutdownConfig  `json:"shutdown,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`

	// Jobs are registered with the coordinator at startup and reconciled on reload.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TasksConfig controls how named job references are resolved.
//
// Built-in tasks are always available by name. With commands enabled, a name that
// is not built in is run as an executable file.
type TasksConfig struct {
	Commands bool `json:"commands,omitempty"`
	// CommandGrace is a Go duration string: how long a cancelled command may take
	// to exit after SIGINT before it is killed. Default: "10s".
	CommandGrace string   `json:"command_grace,omitempty"`
	CommandEnv   []string `json:"command_env,omitempty"`
}

// SchedulerConfig controls the schedule coordinator.
type SchedulerConfig struct {
	// Trigger timezone (IANA). Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// FailureLogEvery is a Go duration string bounding how often failures of the
	// same job are logged at error level. Default: "5s".
	FailureLogEvery string `json:"failure_log_every,omitempty"`
	SpreadIntervals bool   `json:"spread_intervals,omitempty"`
}

// ShutdownConfig controls draining of the immediate queue on exit.
//
// Defaults:
//   - poll_interval: "1s"
//   - timeout: "0s" (wait until the process is killed)
type ShutdownConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// OpsConfig controls the optional operations HTTP server (health, metrics, job
// snapshot, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof          bool `json:"pprof,omitempty"`
	Metrics        bool `json:"metrics,omitempty"`
	RuntimeMetrics bool `json:"runtime_metrics,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobConfig is one configured scheduled job.
//
// At is either an RFC3339 timestamp (one-shot) or a schedule expression (cron
// expression, "@every 5m", or a phrase like "every day at 10:00").
type JobConfig struct {
	Name    string          `json:"name"`
	At      string          `json:"at"`
	Task    string          `json:"task"`
	Data    json.RawMessage `json:"data,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// IsEnabled treats an omitted enabled flag as true.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// EffectiveName is Name, or the base name of Task without extension.
func (j JobConfig) EffectiveName() string {
	if n := strings.TrimSpace(j.Name); n != "" {
		return n
	}
	return job.Named(j.Task).DerivedName()
}

// absoluteLayouts are tried in order before At is treated as an expression.
// Layouts without a zone are read in the scheduler timezone.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Spec turns At into a schedule spec: a timestamp becomes an absolute instant,
// anything else an expression for the normalizer.
func (j JobConfig) Spec(loc *time.Location) (schedule.Spec, error) {
	at := strings.TrimSpace(j.At)
	if at == "" {
		return schedule.Spec{}, errors.New("required")
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, at, loc); err == nil {
			return schedule.At(t), nil
		}
	}
	return schedule.Expr(at), nil
}

// Payload decodes Data for handing to the job. Absent data is nil.
func (j JobConfig) Payload() (any, error) {
	if len(j.Data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(j.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalJSON disallows unknown fields so typos in job entries are caught during
// reload instead of silently dropping a setting.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Name    string          `json:"name"`
		At      string          `json:"at"`
		Task    string          `json:"task"`
		Data    json.RawMessage `json:"data,omitempty"`
		Enabled *bool           `json:"enabled,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*j = JobConfig(t)
	return nil
}
