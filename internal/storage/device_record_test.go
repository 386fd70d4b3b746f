package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/lorawan"
)

func (ts *StorageTestSuite) TestDeviceRecord() {
	charging := true
	dr := DeviceRecord{
		DevEUI:     lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		FCnt:       12,
		Format:     codec.SolarFormat.Name,
		ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Record: codec.Record{
			Temperature:   23.45,
			Humidity:      65.2,
			Battery:       3.7,
			SolarCharging: &charging,
			Valid:         true,
			Sensor:        codec.SensorDHT22,
			PayloadSize:   7,
		},
	}

	ts.T().Run("Get does not exist", func(t *testing.T) {
		assert := require.New(t)
		_, err := GetDeviceRecord(context.Background(), dr.DevEUI)
		assert.Equal(ErrDoesNotExist, err)
	})

	ts.T().Run("Save", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(SaveDeviceRecord(context.Background(), dr))

		ttl, err := RedisClient().PTTL(context.Background(), GetRedisKey(deviceRecordKeyTempl, dr.DevEUI)).Result()
		assert.NoError(err)
		assert.True(ttl > 0 && ttl <= recordTTL)

		t.Run("Get", func(t *testing.T) {
			assert := require.New(t)
			got, err := GetDeviceRecord(context.Background(), dr.DevEUI)
			assert.NoError(err)
			assert.True(dr.ReceivedAt.Equal(got.ReceivedAt))
			got.ReceivedAt = dr.ReceivedAt
			assert.Equal(dr, got)
		})

		t.Run("Delete", func(t *testing.T) {
			assert := require.New(t)
			assert.NoError(DeleteDeviceRecord(context.Background(), dr.DevEUI))
			assert.Equal(ErrDoesNotExist, DeleteDeviceRecord(context.Background(), dr.DevEUI))

			_, err := GetDeviceRecord(context.Background(), dr.DevEUI)
			assert.Equal(ErrDoesNotExist, err)
		})
	})
}

func (ts *StorageTestSuite) TestDeviceRecordOutOfOrder() {
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	receivedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	record := func(fCnt uint32, receivedAt time.Time) DeviceRecord {
		return DeviceRecord{
			DevEUI:     devEUI,
			FCnt:       fCnt,
			Format:     codec.BasicFormat.Name,
			ReceivedAt: receivedAt,
			Record:     codec.Record{Temperature: float64(fCnt), Valid: true, Sensor: codec.SensorDHT22, PayloadSize: 6},
		}
	}

	ts.T().Run("Older record does not overwrite", func(t *testing.T) {
		assert := require.New(t)

		assert.NoError(SaveDeviceRecord(context.Background(), record(13, receivedAt.Add(time.Second))))
		assert.NoError(SaveDeviceRecord(context.Background(), record(12, receivedAt)))

		got, err := GetDeviceRecord(context.Background(), devEUI)
		assert.NoError(err)
		assert.Equal(uint32(13), got.FCnt)

		assert.NoError(SaveDeviceRecord(context.Background(), record(14, receivedAt.Add(2*time.Second))))
		got, err = GetDeviceRecord(context.Background(), devEUI)
		assert.NoError(err)
		assert.Equal(uint32(14), got.FCnt)
	})

	ts.T().Run("Concurrent saves keep the newest record", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(RedisClient().Del(context.Background(), GetRedisKey(deviceRecordKeyTempl, devEUI)).Err())

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- SaveDeviceRecord(context.Background(), record(uint32(100+i), receivedAt.Add(time.Duration(i)*time.Second)))
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(err)
		}

		got, err := GetDeviceRecord(context.Background(), devEUI)
		assert.NoError(err)
		assert.Equal(uint32(109), got.FCnt)
	})
}
