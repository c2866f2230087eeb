package notify

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier raises a user-visible alert.
type Notifier interface {
	Notify(title, content string)
}

// termuxNotificationPath is absolute so no PATH lookup happens; that lookup
// uses faccessat2, which older Android seccomp policies block. PREFIX
// overrides the Termux install root.
var termuxNotificationPath string

func init() {
	prefix := os.Getenv("PREFIX")
	if prefix == "" {
		prefix = "/data/data/com.termux/files/usr"
	}
	termuxNotificationPath = prefix + "/bin/termux-notification"
}

// TermuxNotifier posts vitals alerts through the termux-notification CLI.
// All alerts share one notification id so a new alert replaces the previous
// one. Outside Termux the command fails and the alert is only logged.
type TermuxNotifier struct {
	id       string
	priority string
	command  string
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewTermuxNotifier creates a notifier using high priority with vibration.
func NewTermuxNotifier(logger *logrus.Logger) *TermuxNotifier {
	return &TermuxNotifier{
		id:       "bangle-hass-vitals",
		priority: "high",
		command:  termuxNotificationPath,
		timeout:  1500 * time.Millisecond,
		logger:   logger,
	}
}

// Notify posts (or replaces) the alert notification.
func (n *TermuxNotifier) Notify(title, content string) {
	if title == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	// https://wiki.termux.com/wiki/Termux-notification
	args := []string{
		"--id", n.id,
		"-t", title,
		"-c", content,
		"--priority", n.priority,
		"--vibrate", "300,150,300",
	}

	if err := exec.CommandContext(ctx, n.command, args...).Run(); err != nil {
		n.logger.WithError(err).Debug("termux-notification execution failed")
	}
}

// LogNotifier only writes alerts to the log.
type LogNotifier struct {
	Logger *logrus.Logger
}

// Notify logs the alert at warn level.
func (n LogNotifier) Notify(title, content string) {
	n.Logger.WithField("alert", title).Warn(content)
}
