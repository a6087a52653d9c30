package engine

import (
	"time"

	"github.com/robfig/cron/v3"
)

// SendWindow gates reminder dispatch to a cron-shaped schedule with minute
// granularity: a reminder may go out during any minute the expression
// matches. "* 9-17 * * 1-5" keeps reminders inside business hours. A nil
// window is always open.
type SendWindow struct {
	schedule cron.Schedule
	spec     string
}

// ParseSendWindow compiles a standard five-field cron expression into a send
// window. An empty spec returns a nil window.
func ParseSendWindow(spec string) (*SendWindow, error) {
	if spec == "" {
		return nil, nil
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	return &SendWindow{schedule: schedule, spec: spec}, nil
}

// Contains reports whether t falls in a matching minute.
func (w *SendWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	minute := t.Truncate(time.Minute)
	return w.schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

// Clamp pushes t forward to the first in-window instant. Times already
// inside the window come back unchanged.
func (w *SendWindow) Clamp(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	return w.schedule.Next(t)
}

// String returns the cron spec, empty for an always-open window.
func (w *SendWindow) String() string {
	if w == nil {
		return ""
	}
	return w.spec
}
