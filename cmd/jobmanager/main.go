package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobmanager/internal/app"
	"jobmanager/internal/manager"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.Parse()

	os.Exit(run(cfgPath))
}

func run(cfgPath string) int {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// A second signal abandons the queue drain.
	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(os.Stderr, "second signal; abandoning shutdown")
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	err = a.Stop(stopCtx, reason)
	switch {
	case err == nil && reason != app.StopFatalError:
		return 0
	case errors.Is(err, manager.ErrDrainTimeout):
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		return 2
	case err != nil:
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		return 1
	default:
		if ferr := a.Err(); ferr != nil {
			fmt.Fprintln(os.Stderr, "fatal:", ferr)
		}
		return 1
	}
}

// watchdog pings systemd at half the configured watchdog interval, if any.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
