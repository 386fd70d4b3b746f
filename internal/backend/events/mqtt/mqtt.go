package mqtt

import (
	"context"
	"encoding/base64"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/marshaler"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
	dhttls "github.com/brocaar/chirpstack-dht22-decoder/internal/tls"
)

// Backend implements a MQTT events backend.
type Backend struct {
	sync.RWMutex

	wg sync.WaitGroup

	conn            paho.Client
	closed          bool
	uplinkEventChan chan events.UplinkEvent

	qos             uint8
	eventTopic      string
	decodedTemplate *template.Template
	errorTemplate   *template.Template

	marshaler    marshaler.Type
	marshalerSet bool
}

// NewBackend creates a new Backend and connects to the MQTT broker.
func NewBackend(c config.Config) (*Backend, error) {
	b, err := newBackend(c)
	if err != nil {
		return nil, err
	}

	conf := c.Integration.MQTT

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)

	tlsconfig, err := dhttls.GetClientConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "events/mqtt: load mqtt certificate files error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("events/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("events/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return b, nil
}

func newBackend(c config.Config) (*Backend, error) {
	var err error
	conf := c.Integration.MQTT

	b := Backend{
		uplinkEventChan: make(chan events.UplinkEvent),
		qos:             conf.QOS,
		eventTopic:      conf.EventTopic,
	}

	b.marshaler, b.marshalerSet, err = marshaler.GetType(c.Integration.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "events/mqtt: get marshaler error")
	}

	b.decodedTemplate, err = template.New("decoded").Parse(conf.DecodedTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "events/mqtt: parse decoded topic template error")
	}

	b.errorTemplate, err = template.New("error").Parse(conf.ErrorTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "events/mqtt: parse error topic template error")
	}

	return &b, nil
}

// Close closes the backend. After unsubscribing it waits until the
// pending events have been handed over, before closing the uplink channel.
func (b *Backend) Close() error {
	log.Info("events/mqtt: closing backend")

	log.WithField("topic", b.eventTopic).Info("events/mqtt: unsubscribing from event topic")
	if token := b.conn.Unsubscribe(b.eventTopic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "events/mqtt: unsubscribe from %s error", b.eventTopic)
	}

	log.Info("events/mqtt: handling last messages")
	b.wg.Wait()

	b.Lock()
	b.closed = true
	close(b.uplinkEventChan)
	b.Unlock()

	b.conn.Disconnect(250)
	return nil
}

// UplinkEventChan returns the uplink event channel.
func (b *Backend) UplinkEventChan() chan events.UplinkEvent {
	return b.uplinkEventChan
}

// PublishDecoded publishes the decoded uplink event.
func (b *Backend) PublishDecoded(ctx context.Context, pl events.DecodedEvent) error {
	topic, err := events.ExecuteTemplate(b.decodedTemplate, pl.Event.ApplicationId, pl.Event.DevEui)
	if err != nil {
		return errors.Wrap(err, "events/mqtt: decoded topic error")
	}

	return b.publish(ctx, "decoded", topic, b.getMarshaler(pl.Marshaler), pl.Event)
}

// PublishError publishes the given error event.
func (b *Backend) PublishError(ctx context.Context, pl *integration.ErrorEvent, t marshaler.Type) error {
	topic, err := events.ExecuteTemplate(b.errorTemplate, pl.ApplicationId, pl.DevEui)
	if err != nil {
		return errors.Wrap(err, "events/mqtt: error topic error")
	}

	return b.publish(ctx, "error", topic, b.getMarshaler(t), pl)
}

func (b *Backend) publish(ctx context.Context, event, topic string, t marshaler.Type, msg proto.Message) error {
	bb, err := marshaler.Marshal(t, msg)
	if err != nil {
		return errors.Wrap(err, "events/mqtt: marshal error")
	}

	log.WithFields(log.Fields{
		"topic":  topic,
		"qos":    b.qos,
		"event":  event,
		"ctx_id": logging.GetContextID(ctx),
	}).Info("events/mqtt: publishing event")

	mqttPublishCounter(event).Inc()

	if token := b.conn.Publish(topic, b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "events/mqtt: publish event error")
	}

	return nil
}

// getMarshaler returns the configured marshaler type, falling back to the
// type of the received event.
func (b *Backend) getMarshaler(t marshaler.Type) marshaler.Type {
	if b.marshalerSet {
		return b.marshaler
	}
	return t
}

func (b *Backend) uplinkEventHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	mqttEventCounter("up").Inc()

	ev := events.UplinkEvent{Event: &integration.UplinkEvent{}}
	t, err := marshaler.UnmarshalUplinkEvent(msg.Payload(), ev.Event)
	if err != nil {
		log.WithFields(log.Fields{
			"topic":       msg.Topic(),
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("events/mqtt: unmarshal uplink event error")
		return
	}
	ev.Marshaler = t

	if err := events.ValidateDevEUI(msg.Topic(), ev.DevEUI()); err != nil {
		log.WithFields(log.Fields{
			"topic":   msg.Topic(),
			"dev_eui": ev.DevEUI(),
		}).WithError(err).Error("events/mqtt: validate dev_eui error")
		return
	}

	log.WithFields(log.Fields{
		"topic":   msg.Topic(),
		"dev_eui": ev.DevEUI(),
		"f_cnt":   ev.Event.FCnt,
	}).Info("events/mqtt: uplink event received")

	b.RLock()
	defer b.RUnlock()
	if b.closed {
		return
	}
	b.uplinkEventChan <- ev
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("events/mqtt: connected to mqtt server")

	for {
		log.WithFields(log.Fields{
			"topic": b.eventTopic,
			"qos":   b.qos,
		}).Info("events/mqtt: subscribing to event topic")
		if token := c.Subscribe(b.eventTopic, b.qos, b.uplinkEventHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.eventTopic,
				"qos":   b.qos,
			}).Errorf("events/mqtt: subscribe error: %s", token.Error())
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.Errorf("events/mqtt: mqtt connection error: %s", reason)
}
