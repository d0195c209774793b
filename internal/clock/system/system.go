// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock reports UTC time. It satisfies preload.Clock and zapcore.Clock, so
// crawl start times and ops log timestamps come from one source.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// NewTicker returns a ticker firing every d.
func (Clock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
