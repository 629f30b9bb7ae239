// Package events is the in-process notification boundary. Download lifecycle
// transitions are published here; anything that wants to react subscribes.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeGrabbed           Type = "grabbed"
	TypeDownloadCompleted Type = "downloadCompleted"
	TypeDownloadFailed    Type = "downloadFailed"
	TypeDownloadIgnored   Type = "downloadIgnored"
	TypeImported          Type = "imported"
)

// Event describes one download lifecycle transition.
type Event struct {
	Type        Type              `json:"type"`
	MovieID     int64             `json:"movieId,omitempty"`
	DownloadID  string            `json:"downloadId,omitempty"`
	SourceTitle string            `json:"sourceTitle,omitempty"`
	Message     string            `json:"message,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Time        time.Time         `json:"time"`
}

// Bus fans events out to subscribers. Publishing never blocks; a subscriber
// that stops draining its channel loses events instead of stalling the
// poll loop.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	logger zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a buffered subscription. The returned cancel func
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. A zero time is filled in.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Int("subscriber", id).Str("type", string(ev.Type)).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}
