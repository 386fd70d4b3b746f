// Package uplink handles the received ChirpStack uplink events: it decodes
// the DHT22 payload, stores the result and publishes the decoded event.
package uplink

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
)

var (
	fPort          uint32
	defaultDecoder codec.Decoder
	fPortDecoders  map[uint32]codec.Decoder
)

// Setup configures the package.
func Setup(conf config.Config) error {
	f, err := codec.GetFormat(conf.Decoder.Format)
	if err != nil {
		return errors.Wrap(err, "get default format error")
	}

	fPort = conf.Decoder.FPort
	defaultDecoder = codec.NewDecoder(f)
	fPortDecoders = make(map[uint32]codec.Decoder)

	for k, v := range conf.Decoder.FormatPerFPort {
		port, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			return errors.Wrapf(err, "parse f_port '%s' error", k)
		}

		f, err := codec.GetFormat(v)
		if err != nil {
			return errors.Wrapf(err, "get format for f_port %d error", port)
		}

		fPortDecoders[uint32(port)] = codec.NewDecoder(f)
	}

	log.WithFields(log.Fields{
		"format":            defaultDecoder.Format(),
		"f_port":            fPort,
		"format_per_f_port": len(fPortDecoders),
	}).Info("uplink: decoder configured")

	return nil
}

// Server represents a server consuming uplink events.
type Server struct {
	wg sync.WaitGroup
}

// NewServer creates a new server.
func NewServer() *Server {
	return &Server{}
}

// Start starts the server.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		HandleUplinkEvents(&s.wg)
	}()
	return nil
}

// Stop closes the events backend and waits for the server to complete the
// pending events.
func (s *Server) Stop() error {
	if err := events.Get().Close(); err != nil {
		return errors.Wrap(err, "close events backend error")
	}
	log.Info("uplink: waiting for pending actions to complete")
	s.wg.Wait()
	return nil
}

// HandleUplinkEvents consumes received uplink events and handles them in a
// separate go-routine. Errors are logged.
func HandleUplinkEvents(wg *sync.WaitGroup) {
	for ev := range events.Get().UplinkEventChan() {
		wg.Add(1)
		go func(ev events.UplinkEvent) {
			defer wg.Done()

			ctx := context.Background()
			ctx, err := logging.NewContext(ctx)
			if err != nil {
				log.WithError(err).Error("uplink: create context error")
				return
			}

			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := HandleUplinkEvent(ctx, events.Get(), ev); err != nil {
				log.WithFields(log.Fields{
					"dev_eui": ev.DevEUI(),
					"f_cnt":   ev.Event.GetFCnt(),
					"ctx_id":  logging.GetContextID(ctx),
				}).WithError(err).Error("uplink: processing uplink event error")
			}
		}(ev)
	}
}
