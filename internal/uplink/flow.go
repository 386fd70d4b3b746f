package uplink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/framelog"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
	"github.com/brocaar/lorawan"
)

// ErrAbort is used to abort the flow without error
var ErrAbort = errors.New("nothing to do")

var tasks = []func(*uplinkContext) error{
	filterFPort,
	resolveDecoder,
	acquireUplinkLock,
	decodePayload,
	logDecodedFrame,
	saveDeviceRecord,
	saveMetrics,
	createMeasurement,
	publishDecoded,
}

type uplinkContext struct {
	ctx context.Context

	Backend    events.Backend
	Event      events.UplinkEvent
	DevEUI     lorawan.EUI64
	ReceivedAt time.Time
	Decoder    codec.Decoder
	Record     codec.Record
}

// HandleUplinkEvent decodes the payload of the given uplink event and
// publishes either the decoded event or an error event using the given
// backend.
func HandleUplinkEvent(ctx context.Context, b events.Backend, ev events.UplinkEvent) error {
	if ev.Event == nil {
		return errors.New("uplink event must not be nil")
	}

	uctx := uplinkContext{
		ctx:        ctx,
		Backend:    b,
		Event:      ev,
		DevEUI:     ev.DevEUI(),
		ReceivedAt: time.Now(),
	}

	uec.Inc()

	for _, t := range tasks {
		if err := t(&uctx); err != nil {
			if err == ErrAbort {
				return nil
			}

			return err
		}
	}

	return nil
}

// decoderForFPort returns the decoder for the given f_port.
func decoderForFPort(port uint32) codec.Decoder {
	if d, ok := fPortDecoders[port]; ok {
		return d
	}
	return defaultDecoder
}

func filterFPort(ctx *uplinkContext) error {
	if fPort == 0 || ctx.Event.Event.FPort == fPort {
		return nil
	}

	if _, ok := fPortDecoders[ctx.Event.Event.FPort]; ok {
		return nil
	}

	log.WithFields(log.Fields{
		"dev_eui": ctx.DevEUI,
		"f_port":  ctx.Event.Event.FPort,
		"ctx_id":  logging.GetContextID(ctx.ctx),
	}).Debug("uplink: f_port does not match, ignoring event")

	return ErrAbort
}

func resolveDecoder(ctx *uplinkContext) error {
	ctx.Decoder = decoderForFPort(ctx.Event.Event.FPort)
	return nil
}

func acquireUplinkLock(ctx *uplinkContext) error {
	err := storage.AcquireUplinkLock(ctx.ctx, ctx.DevEUI, ctx.Event.Event.FCnt)
	if err != nil {
		if errors.Cause(err) == storage.ErrAlreadyLocked {
			udupc.Inc()

			log.WithFields(log.Fields{
				"dev_eui": ctx.DevEUI,
				"f_cnt":   ctx.Event.Event.FCnt,
				"ctx_id":  logging.GetContextID(ctx.ctx),
			}).Debug("uplink: event already handled")

			return ErrAbort
		}

		return errors.Wrap(err, "acquire uplink lock error")
	}

	return nil
}

func decodePayload(ctx *uplinkContext) error {
	rec, err := ctx.Decoder.Decode(ctx.Event.Event.Data)
	if err != nil {
		udec.Inc()

		decodeErr, ok := err.(*codec.DecodeError)
		if !ok {
			return errors.Wrap(err, "decode error")
		}

		log.WithFields(log.Fields{
			"dev_eui": ctx.DevEUI,
			"f_cnt":   ctx.Event.Event.FCnt,
			"format":  ctx.Decoder.Format(),
			"errors":  decodeErr.Errors,
			"ctx_id":  logging.GetContextID(ctx.ctx),
		}).Warning("uplink: decode payload error")

		errEvent := integration.ErrorEvent{
			ApplicationId:   ctx.Event.Event.ApplicationId,
			ApplicationName: ctx.Event.Event.ApplicationName,
			DeviceName:      ctx.Event.Event.DeviceName,
			DevEui:          ctx.DevEUI[:],
			Type:            integration.ErrorType_UPLINK_CODEC,
			Error:           decodeErr.Errors[0],
			FCnt:            ctx.Event.Event.FCnt,
		}

		logFrame(ctx, nil, decodeErr.Errors)

		if err := ctx.Backend.PublishError(ctx.ctx, &errEvent, ctx.Event.Marshaler); err != nil {
			return errors.Wrap(err, "publish error event error")
		}

		return ErrAbort
	}

	ctx.Record = rec
	uplinkDecodedCounter(ctx.Decoder.Format().Name).Inc()

	if !rec.Valid {
		usfc.Inc()
	}

	log.WithFields(log.Fields{
		"dev_eui":     ctx.DevEUI,
		"f_cnt":       ctx.Event.Event.FCnt,
		"format":      ctx.Decoder.Format(),
		"temperature": rec.Temperature,
		"humidity":    rec.Humidity,
		"battery":     rec.Battery,
		"valid":       rec.Valid,
		"ctx_id":      logging.GetContextID(ctx.ctx),
	}).Info("uplink: payload decoded")

	return nil
}

func logDecodedFrame(ctx *uplinkContext) error {
	logFrame(ctx, &ctx.Record, nil)
	return nil
}

// logFrame publishes the handled frame to the frame log. Errors are logged.
func logFrame(ctx *uplinkContext, rec *codec.Record, errs []string) {
	err := framelog.LogFrame(ctx.ctx, framelog.FrameLog{
		DevEUI:     ctx.DevEUI,
		FCnt:       ctx.Event.Event.FCnt,
		FPort:      ctx.Event.Event.FPort,
		Data:       ctx.Event.Event.Data,
		Format:     ctx.Decoder.Format().Name,
		ReceivedAt: ctx.ReceivedAt,
		Record:     rec,
		Errors:     errs,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"dev_eui": ctx.DevEUI,
			"ctx_id":  logging.GetContextID(ctx.ctx),
		}).Error("uplink: log frame error")
	}
}

func saveDeviceRecord(ctx *uplinkContext) error {
	err := storage.SaveDeviceRecord(ctx.ctx, storage.DeviceRecord{
		DevEUI:     ctx.DevEUI,
		FCnt:       ctx.Event.Event.FCnt,
		Format:     ctx.Decoder.Format().Name,
		ReceivedAt: ctx.ReceivedAt,
		Record:     ctx.Record,
	})
	if err != nil {
		return errors.Wrap(err, "save device record error")
	}
	return nil
}

func saveMetrics(ctx *uplinkContext) error {
	if err := storage.SaveMetrics(ctx.ctx, storage.DeviceMetricsName(ctx.DevEUI), storage.RecordMetrics(ctx.ReceivedAt, ctx.Record)); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"dev_eui": ctx.DevEUI,
			"ctx_id":  logging.GetContextID(ctx.ctx),
		}).Error("uplink: save device metrics error")
	}
	return nil
}

func createMeasurement(ctx *uplinkContext) error {
	if storage.DB() == nil {
		return nil
	}

	err := storage.CreateMeasurement(ctx.ctx, storage.DB(), &storage.Measurement{
		CreatedAt:     ctx.ReceivedAt,
		DevEUI:        ctx.DevEUI,
		FCnt:          ctx.Event.Event.FCnt,
		Format:        ctx.Decoder.Format().Name,
		Temperature:   ctx.Record.Temperature,
		Humidity:      ctx.Record.Humidity,
		Battery:       ctx.Record.Battery,
		SolarCharging: ctx.Record.SolarCharging,
		Valid:         ctx.Record.Valid,
	})
	if err != nil {
		return errors.Wrap(err, "create measurement error")
	}
	return nil
}

func publishDecoded(ctx *uplinkContext) error {
	b, err := json.Marshal(ctx.Record)
	if err != nil {
		return errors.Wrap(err, "marshal record error")
	}

	ev, ok := proto.Clone(ctx.Event.Event).(*integration.UplinkEvent)
	if !ok {
		return errors.New("clone uplink event error")
	}
	ev.ObjectJson = string(b)

	if err := ctx.Backend.PublishDecoded(ctx.ctx, events.DecodedEvent{
		Event:     ev,
		Marshaler: ctx.Event.Marshaler,
	}); err != nil {
		return errors.Wrap(err, "publish decoded event error")
	}

	return nil
}
