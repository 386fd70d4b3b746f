package storage

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/lorawan"
)

func (ts *StorageTestSuite) TestMeasurement() {
	ts.requireDB()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	now := time.Now().Round(time.Second)
	charging := false

	measurements := []Measurement{
		{
			CreatedAt:   now.Add(-2 * time.Hour),
			DevEUI:      devEUI,
			FCnt:        1,
			Format:      "basic",
			Temperature: 21.5,
			Humidity:    40,
			Battery:     3.6,
			Valid:       true,
		},
		{
			CreatedAt:     now.Add(-time.Hour),
			DevEUI:        devEUI,
			FCnt:          2,
			Format:        "solar",
			Temperature:   -5.25,
			Humidity:      80.5,
			Battery:       3.7,
			SolarCharging: &charging,
			Valid:         true,
		},
		{
			CreatedAt:   now,
			DevEUI:      lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			FCnt:        1,
			Format:      "basic",
			Temperature: 10,
			Valid:       true,
		},
	}

	ts.T().Run("Create", func(t *testing.T) {
		assert := require.New(t)
		for i := range measurements {
			assert.NoError(CreateMeasurement(context.Background(), DB(), &measurements[i]))
			assert.NotEqual(uuid.Nil, measurements[i].ID)
		}

		t.Run("Duplicate", func(t *testing.T) {
			assert := require.New(t)
			m := measurements[0]
			m.ID = uuid.Nil
			assert.Equal(ErrAlreadyExists, CreateMeasurement(context.Background(), DB(), &m))
		})

		t.Run("Get", func(t *testing.T) {
			assert := require.New(t)
			out, err := GetMeasurements(context.Background(), DB(), devEUI, now.Add(-3*time.Hour), now, 10)
			assert.NoError(err)
			assert.Len(out, 2)

			assert.Equal(measurements[1].ID, out[0].ID)
			assert.Equal(uint32(2), out[0].FCnt)
			assert.Equal(-5.25, out[0].Temperature)
			assert.NotNil(out[0].SolarCharging)
			assert.False(*out[0].SolarCharging)
			assert.Equal(devEUI, out[0].DevEUI)

			assert.Equal(measurements[0].ID, out[1].ID)
			assert.Nil(out[1].SolarCharging)
		})

		t.Run("Get with limit", func(t *testing.T) {
			assert := require.New(t)
			out, err := GetMeasurements(context.Background(), DB(), devEUI, now.Add(-3*time.Hour), now, 1)
			assert.NoError(err)
			assert.Len(out, 1)
			assert.Equal(measurements[1].ID, out[0].ID)
		})

		t.Run("Delete before", func(t *testing.T) {
			assert := require.New(t)
			n, err := DeleteMeasurementsBefore(context.Background(), DB(), now.Add(-90*time.Minute))
			assert.NoError(err)
			assert.Equal(int64(1), n)

			out, err := GetMeasurements(context.Background(), DB(), devEUI, now.Add(-3*time.Hour), now, 10)
			assert.NoError(err)
			assert.Len(out, 1)
		})
	})
}

func (ts *StorageTestSuite) TestPruneMeasurements() {
	ts.requireDB()
	assert := require.New(ts.T())

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	now := time.Now()

	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 72 * time.Hour} {
		assert.NoError(CreateMeasurement(context.Background(), DB(), &Measurement{
			CreatedAt: now.Add(-age),
			DevEUI:    devEUI,
			FCnt:      uint32(i),
			Format:    "basic",
			Valid:     true,
		}))
	}

	n, err := pruneMeasurements(context.Background(), DB(), 24*time.Hour, now)
	assert.NoError(err)
	assert.Equal(int64(2), n)

	out, err := GetMeasurements(context.Background(), DB(), devEUI, now.Add(-100*time.Hour), now, 10)
	assert.NoError(err)
	assert.Len(out, 1)
	assert.Equal(uint32(0), out[0].FCnt)
}

func (ts *StorageTestSuite) TestMeasurementRetentionLoop() {
	ts.requireDB()
	assert := require.New(ts.T())

	assert.NoError(CreateMeasurement(context.Background(), DB(), &Measurement{
		CreatedAt: time.Now().Add(-48 * time.Hour),
		DevEUI:    lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Format:    "basic",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		MeasurementRetentionLoop(ctx, DB(), 24*time.Hour, time.Hour)
		close(done)
	}()

	assert.Eventually(func() bool {
		var count int
		if err := DB().Get(&count, "select count(*) from measurement"); err != nil {
			return false
		}
		return count == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		ts.T().Fatal("retention loop did not stop")
	}
}
