package app

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"jobmanager/internal/task/job"
	logx "jobmanager/pkg/logx"
)

// registerBuiltinTasks installs the tasks every deployment can reference by name.
//
//	log      logs its payload
//	sleep    waits for payload.duration (Go duration string), honoring cancellation
//	runtime  logs goroutine and memory stats
func registerBuiltinTasks(reg *job.Registry, log logx.Logger, startedAt time.Time) error {
	log = log.With(logx.String("comp", "task"))
	tasks := map[string]job.Func{
		"log": func(ctx context.Context, data any) error {
			log.Info("log task", metaFields(ctx, logx.Any("data", data))...)
			return nil
		},
		"sleep": func(ctx context.Context, data any) error {
			d, err := sleepDuration(data)
			if err != nil {
				return err
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"runtime": func(ctx context.Context, _ any) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			log.Info("runtime stats", metaFields(ctx,
				logx.Int("goroutines", runtime.NumGoroutine()),
				logx.Uint64("heap_alloc", m.HeapAlloc),
				logx.Uint64("sys", m.Sys),
				logx.Uint64("num_gc", uint64(m.NumGC)),
				logx.Duration("uptime", time.Since(startedAt).Truncate(time.Second)),
			)...)
			return nil
		},
	}
	for name, fn := range tasks {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func metaFields(ctx context.Context, fields ...logx.Field) []logx.Field {
	if m, ok := job.MetaFrom(ctx); ok {
		fields = append(fields, logx.String("job", m.Name), logx.String("context_id", m.ContextID))
	}
	return fields
}

func sleepDuration(data any) (time.Duration, error) {
	raw := ""
	switch v := data.(type) {
	case nil:
		return time.Second, nil
	case string:
		raw = v
	case map[string]any:
		s, ok := v["duration"].(string)
		if !ok {
			return 0, fmt.Errorf("sleep: payload.duration must be a duration string")
		}
		raw = s
	default:
		return 0, fmt.Errorf("sleep: unsupported payload %T", data)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("sleep: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("sleep: negative duration %s", d)
	}
	return d, nil
}
