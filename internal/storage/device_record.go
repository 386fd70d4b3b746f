package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
	"github.com/brocaar/lorawan"
)

const (
	deviceRecordKeyTempl = "dht22:device:%s:record"

	// deviceRecordMaxRetries holds the max number of attempts when the
	// record was modified while saving.
	deviceRecordMaxRetries = 10
)

// DeviceRecord holds the latest decoded record of a device.
type DeviceRecord struct {
	DevEUI     lorawan.EUI64 `json:"dev_eui"`
	FCnt       uint32        `json:"f_cnt"`
	Format     string        `json:"format"`
	ReceivedAt time.Time     `json:"received_at"`
	Record     codec.Record  `json:"record"`
}

// SaveDeviceRecord stores the given record as the latest record of the
// device. The record is not stored when the stored record was received after
// the given record, as uplinks are handled concurrently.
func SaveDeviceRecord(ctx context.Context, dr DeviceRecord) error {
	b, err := json.Marshal(dr)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	key := GetRedisKey(deviceRecordKeyTempl, dr.DevEUI)
	stale := false

	txf := func(tx *redis.Tx) error {
		stale = false

		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return errors.Wrap(err, "redis get error")
		}
		if err == nil {
			var prev DeviceRecord
			if err := json.Unmarshal(cur, &prev); err == nil && prev.ReceivedAt.After(dr.ReceivedAt) {
				stale = true
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, recordTTL)
			return nil
		})
		return err
	}

	for i := 0; i < deviceRecordMaxRetries; i++ {
		err = RedisClient().Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return errors.Wrap(err, "redis set error")
	}

	if stale {
		log.WithFields(log.Fields{
			"dev_eui": dr.DevEUI,
			"f_cnt":   dr.FCnt,
			"ctx_id":  logging.GetContextID(ctx),
		}).Debug("storage: newer device record exists, skipping")
		return nil
	}

	log.WithFields(log.Fields{
		"dev_eui": dr.DevEUI,
		"f_cnt":   dr.FCnt,
		"ctx_id":  logging.GetContextID(ctx),
	}).Info("storage: device record saved")

	return nil
}

// GetDeviceRecord returns the latest record of the given device.
func GetDeviceRecord(ctx context.Context, devEUI lorawan.EUI64) (DeviceRecord, error) {
	var dr DeviceRecord

	key := GetRedisKey(deviceRecordKeyTempl, devEUI)
	b, err := RedisClient().Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return dr, ErrDoesNotExist
		}
		return dr, errors.Wrap(err, "redis get error")
	}

	if err := json.Unmarshal(b, &dr); err != nil {
		return dr, errors.Wrap(err, "unmarshal json error")
	}

	return dr, nil
}

// DeleteDeviceRecord removes the latest record of the given device.
func DeleteDeviceRecord(ctx context.Context, devEUI lorawan.EUI64) error {
	key := GetRedisKey(deviceRecordKeyTempl, devEUI)
	n, err := RedisClient().Del(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "redis del error")
	}
	if n == 0 {
		return ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  logging.GetContextID(ctx),
	}).Info("storage: device record deleted")

	return nil
}
