// Package sdnotify reports daemon lifecycle to systemd. Every call is a
// no-op outside a systemd unit (no NOTIFY_SOCKET in the environment), so
// callers never need to care where the process runs.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"zeitschaltuhr/pkg/logx"
)

// Ready notifies READY=1. It reports whether the notification was sent.
func Ready() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// Stopping notifies STOPPING=1.
func Stopping() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return ok
}

// Watchdog feeds the systemd watchdog at half the configured interval until
// ctx is cancelled. It returns immediately when the unit has no WatchdogSec.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog detection failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Debug("systemd watchdog armed", logx.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
