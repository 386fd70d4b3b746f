package test

import (
	"context"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/marshaler"
)

// ErrorEvent holds a published error event and its marshaler type.
type ErrorEvent struct {
	Event     *integration.ErrorEvent
	Marshaler marshaler.Type
}

// EventsBackend is a test events backend.
type EventsBackend struct {
	uplinkEventChan  chan events.UplinkEvent
	DecodedEventChan chan events.DecodedEvent
	ErrorEventChan   chan ErrorEvent
}

// NewEventsBackend returns a new EventsBackend.
func NewEventsBackend() *EventsBackend {
	return &EventsBackend{
		uplinkEventChan:  make(chan events.UplinkEvent, 100),
		DecodedEventChan: make(chan events.DecodedEvent, 100),
		ErrorEventChan:   make(chan ErrorEvent, 100),
	}
}

// UplinkEventChan method.
func (b *EventsBackend) UplinkEventChan() chan events.UplinkEvent {
	return b.uplinkEventChan
}

// PublishDecoded method.
func (b *EventsBackend) PublishDecoded(ctx context.Context, pl events.DecodedEvent) error {
	b.DecodedEventChan <- pl
	return nil
}

// PublishError method.
func (b *EventsBackend) PublishError(ctx context.Context, pl *integration.ErrorEvent, t marshaler.Type) error {
	b.ErrorEventChan <- ErrorEvent{Event: pl, Marshaler: t}
	return nil
}

// Close method.
func (b *EventsBackend) Close() error {
	if b.uplinkEventChan != nil {
		close(b.uplinkEventChan)
	}
	return nil
}
