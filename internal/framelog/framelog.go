// Package framelog publishes the handled uplink frames (decoded or not) so
// that they can be followed live, per device or for all devices.
package framelog

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
	"github.com/brocaar/lorawan"
)

const (
	frameLogPubSubKey            = "dht22:pubsub:frame"
	deviceFrameLogPubSubKeyTempl = "dht22:device:%s:pubsub:frame"
)

// FrameLog contains a handled uplink frame. Either Record is set or Errors
// is not empty.
type FrameLog struct {
	DevEUI     lorawan.EUI64 `json:"dev_eui"`
	FCnt       uint32        `json:"f_cnt"`
	FPort      uint32        `json:"f_port"`
	Data       []byte        `json:"data"`
	Format     string        `json:"format"`
	ReceivedAt time.Time     `json:"received_at"`
	Record     *codec.Record `json:"record,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
}

// LogFrame publishes the given frame to the device and the global pub-sub
// keys.
func LogFrame(ctx context.Context, fl FrameLog) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fl); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	pipe := storage.RedisClient().TxPipeline()
	pipe.Publish(ctx, storage.GetRedisKey(deviceFrameLogPubSubKeyTempl, fl.DevEUI), buf.Bytes())
	pipe.Publish(ctx, frameLogPubSubKey, buf.Bytes())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "publish frame log error")
	}

	return nil
}

// GetFrameLogForDevice subscribes to the frame logs of the given device and
// sends these to the given channel until the context is cancelled.
func GetFrameLogForDevice(ctx context.Context, devEUI lorawan.EUI64, frameLogChan chan FrameLog) error {
	return getFrameLogs(ctx, storage.GetRedisKey(deviceFrameLogPubSubKeyTempl, devEUI), frameLogChan)
}

// GetFrameLog subscribes to the frame logs of all devices and sends these to
// the given channel until the context is cancelled.
func GetFrameLog(ctx context.Context, frameLogChan chan FrameLog) error {
	return getFrameLogs(ctx, frameLogPubSubKey, frameLogChan)
}

func getFrameLogs(ctx context.Context, key string, frameLogChan chan FrameLog) error {
	sub := storage.RedisClient().Subscribe(ctx, key)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "subscribe error")
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			fl, err := redisMessageToFrameLog(msg)
			if err != nil {
				return errors.Wrap(err, "decode message error")
			}

			select {
			case frameLogChan <- fl:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func redisMessageToFrameLog(msg *redis.Message) (FrameLog, error) {
	var fl FrameLog
	if err := gob.NewDecoder(bytes.NewReader([]byte(msg.Payload))).Decode(&fl); err != nil {
		return fl, errors.Wrap(err, "gob decode frame log error")
	}
	return fl, nil
}
