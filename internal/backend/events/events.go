// Package events defines the interface between the decoder and the
// message broker delivering the ChirpStack application events.
package events

import (
	"bytes"
	"context"
	"regexp"
	"text/template"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/marshaler"
	"github.com/brocaar/lorawan"
)

var backend Backend

// UplinkEvent contains a received uplink event and the marshaler type
// it was encoded with.
type UplinkEvent struct {
	Event     *integration.UplinkEvent
	Marshaler marshaler.Type
}

// DevEUI returns the DevEUI of the event.
func (e UplinkEvent) DevEUI() lorawan.EUI64 {
	var devEUI lorawan.EUI64
	copy(devEUI[:], e.Event.GetDevEui())
	return devEUI
}

// DecodedEvent contains an uplink event of which the ObjectJson field holds
// the decoded payload.
type DecodedEvent struct {
	Event     *integration.UplinkEvent
	Marshaler marshaler.Type
}

// Backend defines the interface that an event backend must implement.
type Backend interface {
	// UplinkEventChan returns the channel of received uplink events.
	UplinkEventChan() chan UplinkEvent

	// PublishDecoded publishes the decoded uplink event.
	PublishDecoded(ctx context.Context, pl DecodedEvent) error

	// PublishError publishes the given error event.
	PublishError(ctx context.Context, pl *integration.ErrorEvent, t marshaler.Type) error

	// Close closes the backend.
	Close() error
}

// Get returns the event backend.
func Get() Backend {
	return backend
}

// Set sets the event backend.
func Set(b Backend) {
	backend = b
}

// TopicContext holds the values available to the topic and routing-key
// templates.
type TopicContext struct {
	ApplicationID uint64
	DevEUI        lorawan.EUI64
}

// ExecuteTemplate renders the given topic template for the given event.
func ExecuteTemplate(tmpl *template.Template, applicationID uint64, devEUIB []byte) (string, error) {
	var devEUI lorawan.EUI64
	copy(devEUI[:], devEUIB)

	topic := bytes.NewBuffer(nil)
	if err := tmpl.Execute(topic, TopicContext{
		ApplicationID: applicationID,
		DevEUI:        devEUI,
	}); err != nil {
		return "", errors.Wrap(err, "execute template error")
	}

	return topic.String(), nil
}

var devEUIRegexp = regexp.MustCompile(`(?:^|[/.])device[/.]([0-9a-fA-F]{16})(?:[/.]|$)`)

// ValidateDevEUI validates that the DevEUI within the given topic or
// routing-key matches the given DevEUI. The DevEUI is read from the segment
// following "device". When the topic does not contain such a segment, no
// validation is performed.
func ValidateDevEUI(topic string, devEUI lorawan.EUI64) error {
	match := devEUIRegexp.FindStringSubmatch(topic)
	if match == nil {
		return nil
	}
	idStr := match[1]

	var id lorawan.EUI64
	if err := id.UnmarshalText([]byte(idStr)); err != nil {
		return errors.Wrap(err, "unmarshal dev_eui error")
	}

	if devEUI != id {
		return errors.New("event DevEUI does not match topic DevEUI")
	}

	return nil
}
