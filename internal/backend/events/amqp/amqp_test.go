package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/marshaler"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/test"
)

func testUplinkEvent() integration.UplinkEvent {
	return integration.UplinkEvent{
		ApplicationId: 1,
		DevEui:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
		FCnt:          12,
		FPort:         2,
		Data:          []byte{0x09, 0x29, 0x19, 0xaa, 0x01, 0x81},
	}
}

func TestHandleEvent(t *testing.T) {
	conf := test.GetConfig()

	t.Run("uplink", func(t *testing.T) {
		assert := require.New(t)

		b, err := newBackend(conf)
		assert.NoError(err)

		in := testUplinkEvent()
		body, err := proto.Marshal(&in)
		assert.NoError(err)

		errChan := make(chan error, 1)
		go func() {
			errChan <- b.handleEvent("up", "application.1.device.0102030405060708.event.up", body)
		}()

		ev := <-b.UplinkEventChan()
		assert.NoError(<-errChan)
		assert.Equal(marshaler.Protobuf, ev.Marshaler)
		assert.True(proto.Equal(&in, ev.Event))
	})

	t.Run("other event type", func(t *testing.T) {
		b, err := newBackend(conf)
		require.NoError(t, err)
		require.NoError(t, b.handleEvent("join", "application.1.device.0102030405060708.event.join", nil))
	})

	t.Run("DevEUI mismatch", func(t *testing.T) {
		assert := require.New(t)

		b, err := newBackend(conf)
		assert.NoError(err)

		in := testUplinkEvent()
		body, err := proto.Marshal(&in)
		assert.NoError(err)

		assert.Error(b.handleEvent("up", "application.1.device.0807060504030201.event.up", body))
	})

	t.Run("invalid payload", func(t *testing.T) {
		b, err := newBackend(conf)
		require.NoError(t, err)
		require.Error(t, b.handleEvent("up", "application.1.device.0102030405060708.event.up", []byte("{invalid")))
	})
}

type BackendTestSuite struct {
	suite.Suite

	conf    config.Config
	backend *Backend

	amqpConn      *amqp.Connection
	amqpChannel   *amqp.Channel
	amqpEventChan <-chan amqp.Delivery
}

func (ts *BackendTestSuite) SetupSuite() {
	assert := require.New(ts.T())
	ts.conf = test.GetConfig()

	var err error
	ts.amqpConn, err = amqp.Dial(ts.conf.Integration.AMQP.URL)
	if err != nil {
		ts.T().Skipf("amqp server not available: %s", err)
	}

	ts.backend, err = NewBackend(ts.conf)
	assert.NoError(err)

	ts.amqpChannel, err = ts.amqpConn.Channel()
	assert.NoError(err)

	_, err = ts.amqpChannel.QueueDeclare(
		"test-decoded-queue",
		true,
		false,
		false,
		false,
		nil,
	)
	assert.NoError(err)

	err = ts.amqpChannel.QueueBind(
		"test-decoded-queue",
		"application.*.device.*.event.*",
		"amq.topic",
		false,
		nil,
	)
	assert.NoError(err)

	ts.amqpEventChan, err = ts.amqpChannel.Consume(
		"test-decoded-queue",
		"",
		true,
		false,
		false,
		false,
		nil,
	)
	assert.NoError(err)
}

func (ts *BackendTestSuite) TearDownSuite() {
	if ts.amqpConn == nil {
		return
	}

	assert := require.New(ts.T())
	assert.NoError(ts.backend.Close())
	assert.NoError(ts.amqpConn.Close())
}

func (ts *BackendTestSuite) TestUplinkEvent() {
	assert := require.New(ts.T())

	in := testUplinkEvent()
	b, err := proto.Marshal(&in)
	assert.NoError(err)

	err = ts.amqpChannel.Publish(
		"amq.topic",
		"application.1.device.0102030405060708.event.up",
		false,
		false,
		amqp.Publishing{
			Body: b,
		},
	)
	assert.NoError(err)

	select {
	case ev := <-ts.backend.UplinkEventChan():
		assert.True(proto.Equal(&in, ev.Event))
	case <-time.After(5 * time.Second):
		assert.Fail("timeout waiting for uplink event")
	}
}

func (ts *BackendTestSuite) TestPublishDecoded() {
	assert := require.New(ts.T())

	ev := testUplinkEvent()
	ev.ObjectJson = `{"temperature":23.45}`

	assert.NoError(ts.backend.PublishDecoded(context.Background(), events.DecodedEvent{
		Event:     &ev,
		Marshaler: marshaler.JSON,
	}))

	for {
		select {
		case msg := <-ts.amqpEventChan:
			if msg.RoutingKey != "application.1.device.0102030405060708.event.decoded" {
				continue
			}
			assert.Equal("application/json", msg.ContentType)

			var out integration.UplinkEvent
			typ, err := marshaler.UnmarshalUplinkEvent(msg.Body, &out)
			assert.NoError(err)
			assert.Equal(marshaler.JSON, typ)
			assert.True(proto.Equal(&ev, &out))
			return
		case <-time.After(5 * time.Second):
			assert.Fail("timeout waiting for decoded event")
			return
		}
	}
}

func TestBackend(t *testing.T) {
	suite.Run(t, new(BackendTestSuite))
}
