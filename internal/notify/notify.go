// Package notify tells operators that a preload has finished.
package notify

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/publisher"
)

// EventPreloadCompleted is the topic label on completion events.
const EventPreloadCompleted = "preload.completed"

// Notifier delivers a completion message and the formatted run time.
type Notifier interface {
	Notify(ctx context.Context, message, elapsed string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, message, elapsed string) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, message, elapsed string) error {
	return f(ctx, message, elapsed)
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier. Every notifier runs even if an earlier one
// fails.
func (m Multi) Notify(ctx context.Context, message, elapsed string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, message, elapsed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes the notification to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, message, elapsed string) error {
	l.logger.Info(message, zap.String("elapsed", elapsed))
	return nil
}

// Event is the payload published for a finished preload.
type Event struct {
	Site      string    `json:"site"`
	Domain    string    `json:"domain"`
	Message   string    `json:"message"`
	Elapsed   string    `json:"elapsed"`
	Timestamp time.Time `json:"timestamp"`
}

// Events publishes completion events through a Publisher.
type Events struct {
	pub  publisher.Publisher
	site string
	now  func() time.Time
}

// NewEvents builds an Events notifier for siteURL.
func NewEvents(pub publisher.Publisher, siteURL string) *Events {
	return &Events{pub: pub, site: siteURL, now: func() time.Time { return time.Now().UTC() }}
}

// Notify implements Notifier.
func (e *Events) Notify(ctx context.Context, message, elapsed string) error {
	_, err := e.pub.Publish(ctx, EventPreloadCompleted, Event{
		Site:      e.site,
		Domain:    Domain(e.site),
		Message:   message,
		Elapsed:   elapsed,
		Timestamp: e.now(),
	})
	return err
}

// Domain returns the host of siteURL without a leading "www.".
func Domain(siteURL string) string {
	u, err := url.Parse(siteURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
