// Package notify shows desktop notifications over DBus.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	appName = "chromabridge"
	timeout = 5 * time.Second

	// Repeat is the minimum time between identical notifications.
	Repeat = 10 * time.Second
)

// Notifier sends notifications using org.freedesktop.Notifications. If the
// session bus is unavailable, notifications are only logged. A nil Notifier
// discards notifications.
type Notifier struct {
	logger *slog.Logger
	obj    dbus.BusObject
	now    func() time.Time

	mu   sync.Mutex
	id   uint32 // last notification, replaced by the next one
	sent map[string]time.Time
}

// New connects to the session bus.
func New(logger *slog.Logger) *Notifier {
	n := newNotifier(logger)
	conn, err := dbus.SessionBus()
	if err != nil {
		n.logger.Warn("notifications unavailable", "error", err)
		return n
	}
	n.obj = conn.Object("org.freedesktop.Notifications", dbus.ObjectPath("/org/freedesktop/Notifications"))
	return n
}

func newNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{
		logger: logger,
		now:    time.Now,
		sent:   map[string]time.Time{},
	}
}

// Notify shows a notification, replacing the previous one. Identical
// notifications are suppressed for Repeat.
func (n *Notifier) Notify(summary, body string) {
	if n == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.allow(summary + "\x00" + body) {
		n.logger.Debug("suppressed repeated notification", "summary", summary)
		return
	}
	n.logger.Info("notification", "summary", summary, "body", body)

	if n.obj == nil {
		return
	}
	var id uint32
	if err := n.obj.Call("org.freedesktop.Notifications.Notify", 0,
		appName,
		n.id,
		"preferences-color",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)),
		},
		int32(timeout/time.Millisecond),
	).Store(&id); err != nil {
		n.logger.Warn("failed to show notification", "error", err)
		return
	}
	n.id = id
}

// allow records a notification, returning false if it was shown recently.
func (n *Notifier) allow(key string) bool {
	now := n.now()
	for k, t := range n.sent {
		if now.Sub(t) >= Repeat {
			delete(n.sent, k)
		}
	}
	if _, ok := n.sent[key]; ok {
		return false
	}
	n.sent[key] = now
	return true
}
