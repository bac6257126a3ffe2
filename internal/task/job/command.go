package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	logx "jobmanager/pkg/logx"
)

const maxCommandOutput = 4 << 10

// CommandRunner resolves paths to executable files and runs them as child processes.
//
// The payload is written to stdin as JSON. Job metadata is exported as
// JOB_NAME / JOB_CONTEXT_ID. Cancellation sends SIGINT and waits up to Grace
// before the process is killed.
type CommandRunner struct {
	Log   logx.Logger
	Grace time.Duration
	Env   []string
}

func (c CommandRunner) Lookup(path string) (Func, error) {
	if !isExecutable(path) {
		return nil, ErrNotFound
	}
	return func(ctx context.Context, data any) error {
		return c.run(ctx, path, data)
	}, nil
}

func (c CommandRunner) run(ctx context.Context, path string, data any) error {
	var stdin bytes.Buffer
	if data != nil {
		if err := json.NewEncoder(&stdin).Encode(data); err != nil {
			return fmt.Errorf("encode payload for %q: %w", path, err)
		}
	}

	grace := c.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = &stdin
	cmd.Env = append(os.Environ(), c.Env...)
	if m, ok := MetaFrom(ctx); ok {
		cmd.Env = append(cmd.Env, "JOB_NAME="+m.Name, "JOB_CONTEXT_ID="+m.ContextID)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = grace

	out := &limitedBuffer{max: maxCommandOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	c.Log.Debug("command finished",
		logx.String("path", path),
		logx.Duration("dur", dur),
		logx.String("output", strings.TrimSpace(out.String())),
	)

	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return fmt.Errorf("command %q exited with code %d: %w", path, ee.ExitCode(), err)
		}
		return fmt.Errorf("command %q: %w", path, err)
	}
	return nil
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
