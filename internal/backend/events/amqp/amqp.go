package amqp

import (
	"context"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/marshaler"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
	dhttls "github.com/brocaar/chirpstack-dht22-decoder/internal/tls"
)

const exchange = "amq.topic"

// Backend implements an AMQP events backend.
type Backend struct {
	channels *channelPool

	eventQueueName  string
	eventRoutingKey string
	decodedTemplate *template.Template
	errorTemplate   *template.Template

	uplinkEventChan chan events.UplinkEvent
	closeOnce       sync.Once
	wg              sync.WaitGroup

	marshaler    marshaler.Type
	marshalerSet bool
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (*Backend, error) {
	b, err := newBackend(c)
	if err != nil {
		return nil, err
	}

	conf := c.Integration.AMQP
	tlsConfig, err := dhttls.GetClientConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "load amqp tls config error")
	}

	log.Info("events/amqp: connecting to AMQP server")
	b.channels, err = newChannelPool(10, newDialFunc(conf.URL, tlsConfig))
	if err != nil {
		return nil, errors.Wrap(err, "new amqp channel pool error")
	}

	if err := b.setupQueue(); err != nil {
		return nil, errors.Wrap(err, "events/amqp: setup queue error")
	}

	b.wg.Add(1)
	go b.eventLoop()

	return b, nil
}

func newBackend(c config.Config) (*Backend, error) {
	var err error
	conf := c.Integration.AMQP

	b := Backend{
		eventQueueName:  conf.EventQueueName,
		eventRoutingKey: conf.EventRoutingKey,
		uplinkEventChan: make(chan events.UplinkEvent),
	}

	b.marshaler, b.marshalerSet, err = marshaler.GetType(c.Integration.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "events/amqp: get marshaler error")
	}

	b.decodedTemplate, err = template.New("decoded").Parse(conf.DecodedRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "events/amqp: parse decoded routing-key template error")
	}

	b.errorTemplate, err = template.New("error").Parse(conf.ErrorRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "events/amqp: parse error routing-key template error")
	}

	return &b, nil
}

// UplinkEventChan returns the uplink event channel.
func (b *Backend) UplinkEventChan() chan events.UplinkEvent {
	return b.uplinkEventChan
}

// PublishDecoded publishes the decoded uplink event.
func (b *Backend) PublishDecoded(ctx context.Context, pl events.DecodedEvent) error {
	routingKey, err := events.ExecuteTemplate(b.decodedTemplate, pl.Event.ApplicationId, pl.Event.DevEui)
	if err != nil {
		return errors.Wrap(err, "events/amqp: decoded routing-key error")
	}

	return b.publish(ctx, "decoded", routingKey, b.getMarshaler(pl.Marshaler), pl.Event)
}

// PublishError publishes the given error event.
func (b *Backend) PublishError(ctx context.Context, pl *integration.ErrorEvent, t marshaler.Type) error {
	routingKey, err := events.ExecuteTemplate(b.errorTemplate, pl.ApplicationId, pl.DevEui)
	if err != nil {
		return errors.Wrap(err, "events/amqp: error routing-key error")
	}

	return b.publish(ctx, "error", routingKey, b.getMarshaler(t), pl)
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("events/amqp: closing backend")

	err := b.channels.close()
	b.wg.Wait()
	b.closeOnce.Do(func() {
		close(b.uplinkEventChan)
	})

	return err
}

func (b *Backend) getMarshaler(t marshaler.Type) marshaler.Type {
	if b.marshalerSet {
		return b.marshaler
	}
	return t
}

func (b *Backend) publish(ctx context.Context, event, routingKey string, t marshaler.Type, msg proto.Message) error {
	data, err := marshaler.Marshal(t, msg)
	if err != nil {
		return errors.Wrap(err, "events/amqp: marshal error")
	}

	ch, err := b.channels.acquire()
	if err != nil {
		return errors.Wrap(err, "get amqp channel from pool error")
	}

	log.WithFields(log.Fields{
		"routing_key": routingKey,
		"event":       event,
		"ctx_id":      logging.GetContextID(ctx),
	}).Info("events/amqp: publishing event")

	amqpPublishCounter(event).Inc()

	err = ch.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: marshaler.ContentType(t),
			Body:        data,
		},
	)
	b.channels.release(ch, err != nil)
	if err != nil {
		return errors.Wrap(err, "publish message error")
	}

	return nil
}

func (b *Backend) setupQueue() error {
	ch, err := b.channels.acquire()
	if err != nil {
		return errors.Wrap(err, "open channel error")
	}

	_, err = ch.QueueDeclare(
		b.eventQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		b.channels.release(ch, true)
		return errors.Wrap(err, "declare queue error")
	}

	err = ch.QueueBind(
		b.eventQueueName,
		b.eventRoutingKey,
		exchange,
		false,
		nil,
	)
	b.channels.release(ch, err != nil)
	if err != nil {
		return errors.Wrap(err, "bind queue error")
	}

	return nil
}

func (b *Backend) eventLoop() {
	defer b.wg.Done()

	for {
		err := func() error {
			ch, err := b.channels.acquire()
			if err != nil {
				return errors.Wrap(err, "get amqp channel from pool error")
			}

			// the consumer channel is not re-used once the delivery
			// channel is closed
			defer b.channels.release(ch, true)

			log.Info("events/amqp: start consuming application events")

			msgs, err := ch.Consume(
				b.eventQueueName,
				"",
				true,
				false,
				false,
				false,
				nil,
			)
			if err != nil {
				return errors.Wrap(err, "register consumer error")
			}

			for msg := range msgs {
				routing := strings.Split(msg.RoutingKey, ".")
				typ := routing[len(routing)-1]

				amqpEventCounter(typ).Inc()

				if err := b.handleEvent(typ, msg.RoutingKey, msg.Body); err != nil {
					log.WithError(err).WithFields(log.Fields{
						"type":        typ,
						"routing_key": msg.RoutingKey,
					}).Error("events/amqp: handle event error")
				}
			}

			return nil
		}()

		if err != nil {
			// if errClosed, the channel pool was closed and we can break out
			// of the loop
			if errors.Cause(err) == errClosed {
				break
			}

			log.WithError(err).Error("events/amqp: event loop error")
			time.Sleep(time.Second)
		}
	}
}

func (b *Backend) handleEvent(typ, routingKey string, body []byte) error {
	if typ != "up" {
		log.WithFields(log.Fields{
			"routing_key": routingKey,
			"type":        typ,
		}).Warning("events/amqp: unexpected event type")
		return nil
	}

	ev := events.UplinkEvent{Event: &integration.UplinkEvent{}}
	t, err := marshaler.UnmarshalUplinkEvent(body, ev.Event)
	if err != nil {
		return errors.Wrap(err, "unmarshal error")
	}
	ev.Marshaler = t

	if err := events.ValidateDevEUI(routingKey, ev.DevEUI()); err != nil {
		return errors.Wrap(err, "validate dev_eui error")
	}

	log.WithFields(log.Fields{
		"routing_key": routingKey,
		"dev_eui":     ev.DevEUI(),
		"f_cnt":       ev.Event.FCnt,
	}).Info("events/amqp: uplink event received")

	b.uplinkEventChan <- ev
	return nil
}
