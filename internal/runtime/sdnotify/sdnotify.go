// Package sdnotify reports service state to systemd. Every call is a no-op
// when the process is not running under a notify-type unit.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "cryptkeeper/pkg/logx"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	log logx.Logger
	// send is daemon.SdNotify; tests replace it.
	send func(unsetEnvironment bool, state string) (bool, error)
	// watchdog is daemon.SdWatchdogEnabled; tests replace it.
	watchdog func(unsetEnvironment bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "sdnotify")),
		send:     daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) notify(state string) bool {
	ok, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports READY=1 and a status line.
func (n *Notifier) Ready(status string) bool {
	if status == "" {
		return n.notify(daemon.SdNotifyReady)
	}
	return n.notify(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

// Status updates the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) bool {
	return n.notify("STATUS=" + status)
}

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured watchdog interval until ctx
// is done. It returns immediately when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context) {
	every, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog config unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	n.log.Debug("watchdog enabled", logx.Duration("interval", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
