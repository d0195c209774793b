// Package publisher defines the event publishing seam used for preload
// completion events.
package publisher

import "context"

// Publisher sends one payload to a topic and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
