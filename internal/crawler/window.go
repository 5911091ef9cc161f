package crawler

import (
	"fmt"
	"time"
)

// Window is a recency window selecting how far back discovery looks
type Window string

const (
	WindowNone   Window = ""
	Window1Day   Window = "1day"
	Window2Days  Window = "2days"
	Window3Days  Window = "3days"
	Window1Week  Window = "1week"
	Window1Month Window = "1month"
)

var windowDurations = map[Window]time.Duration{
	Window1Day:   24 * time.Hour,
	Window2Days:  2 * 24 * time.Hour,
	Window3Days:  3 * 24 * time.Hour,
	Window1Week:  7 * 24 * time.Hour,
	Window1Month: 30 * 24 * time.Hour,
}

// ParseWindow validates a recency window name. The empty window disables the cutoff.
func ParseWindow(s string) (Window, error) {
	w := Window(s)
	if w == WindowNone {
		return w, nil
	}
	if _, ok := windowDurations[w]; !ok {
		return "", fmt.Errorf("unknown recency window %q", s)
	}
	return w, nil
}

// Cutoff returns now minus the window. ok is false for the empty window.
func (w Window) Cutoff(now time.Time) (cutoff time.Time, ok bool) {
	d, ok := windowDurations[w]
	if !ok {
		return time.Time{}, false
	}
	return now.Add(-d), true
}
