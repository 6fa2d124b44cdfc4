// Package bus carries relay frames between relay instances so that clients
// connected to different processes see the same feed.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("bus closed")

// Event is a frame produced by one relay instance. Frame is the exact JSON
// the origin broadcast to its own clients.
type Event struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Handler receives events published by any instance, including the
// subscriber's own; callers filter by Origin.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to every subscriber.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events to h until ctx is cancelled.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
