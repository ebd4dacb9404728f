// Package watchdog emits the collector's own liveness signal to an
// external service-manager watchdog. The watchdog daemon itself (systemd
// or otherwise) is out of scope here — this package only ever writes to
// the sink, the same way the rest of the collector treats the metrics
// endpoint and config loader as external collaborators it feeds, not
// components it owns.
package watchdog

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
)

// Notifier sends a heartbeat at most every half of the configured
// watchdog interval, per the heartbeat cadence contract. If no interval
// is configured and the process isn't running under a systemd watchdog
// (WATCHDOG_USEC unset), Run is a no-op that just waits for cancellation.
type Notifier struct {
	interval time.Duration
	logger   *zap.Logger
}

// NewNotifier resolves the heartbeat interval: an explicit configuredMs
// takes priority, otherwise it falls back to whatever systemd advertises
// via WATCHDOG_USEC.
func NewNotifier(configuredMs uint, logger *zap.Logger) *Notifier {
	interval := time.Duration(configuredMs) * time.Millisecond
	if interval <= 0 {
		if sysInterval, err := daemon.SdWatchdogEnabled(false); err == nil && sysInterval > 0 {
			interval = sysInterval
		}
	}
	return &Notifier{interval: interval, logger: logger}
}

// Run sends a WATCHDOG=1 notification every half-interval until ctx is
// cancelled. A failed notification is logged and does not stop the loop:
// a heartbeat sink outage is the external watchdog's problem to detect,
// not a reason for the collector to give up polling devices.
func (n *Notifier) Run(ctx context.Context) error {
	if n.interval <= 0 {
		n.logger.Debug("no watchdog interval configured, heartbeat disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	cadence := n.interval / 2
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	n.notify()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.notify()
		}
	}
}

func (n *Notifier) notify() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		n.logger.Warn("watchdog notify failed", zap.Error(err))
		return
	}
	if !sent {
		n.logger.Debug("watchdog notify skipped: not running under a notify-capable supervisor")
	}
}
