package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/lorawan"
)

func (ts *StorageTestSuite) TestMetrics() {
	SetMetricsTTL(time.Minute, time.Minute, time.Minute, time.Minute)

	tests := []struct {
		Name         string
		LocationName string
		Interval     AggregationInterval
		SaveMetrics  []MetricsRecord
		GetStart     time.Time
		GetEnd       time.Time
		GetMetrics   []MetricsRecord
	}{
		{
			Name:         "minute aggregation",
			LocationName: "UTC",
			Interval:     AggregationMinute,
			SaveMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 1, 1, 1, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricTemperatureSum: 20.5},
				},
				{
					Time:    time.Date(2018, 1, 1, 1, 1, 2, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricTemperatureSum: 21.5},
				},
				{
					Time:    time.Date(2018, 1, 1, 1, 2, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricTemperatureSum: 22},
				},
			},
			GetMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 1, 1, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 2, MetricTemperatureSum: 42},
				},
				{
					Time:    time.Date(2018, 1, 1, 1, 2, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricTemperatureSum: 22},
				},
			},
			GetStart: time.Date(2018, 1, 1, 1, 1, 1, 0, time.UTC),
			GetEnd:   time.Date(2018, 1, 1, 1, 2, 1, 0, time.UTC),
		},
		{
			Name:         "hour aggregation",
			LocationName: "UTC",
			Interval:     AggregationHour,
			SaveMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 1, 1, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricHumiditySum: 40},
				},
				{
					Time:    time.Date(2018, 1, 1, 1, 2, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricHumiditySum: 50},
				},
				{
					Time:    time.Date(2018, 1, 1, 2, 1, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricHumiditySum: 60},
				},
			},
			GetMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 1, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 2, MetricHumiditySum: 90},
				},
				{
					Time:    time.Date(2018, 1, 1, 2, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricHumiditySum: 60},
				},
			},
			GetStart: time.Date(2018, 1, 1, 1, 0, 0, 0, time.UTC),
			GetEnd:   time.Date(2018, 1, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			Name:         "day aggregation in local timezone",
			LocationName: "Europe/Amsterdam",
			Interval:     AggregationDay,
			SaveMetrics: []MetricsRecord{
				{
					// 2018-01-02 00:30 in Amsterdam
					Time:    time.Date(2018, 1, 1, 23, 30, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricBatterySum: 3.5},
				},
				{
					Time:    time.Date(2018, 1, 2, 10, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricBatterySum: 3.5},
				},
			},
			GetMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 23, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 2, MetricBatterySum: 7},
				},
			},
			GetStart: time.Date(2018, 1, 1, 23, 0, 0, 0, time.UTC),
			GetEnd:   time.Date(2018, 1, 2, 12, 0, 0, 0, time.UTC),
		},
		{
			Name:         "month aggregation",
			LocationName: "UTC",
			Interval:     AggregationMonth,
			SaveMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1, MetricInvalidCount: 1},
				},
				{
					Time:    time.Date(2018, 1, 2, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1},
				},
				{
					Time:    time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1},
				},
			},
			GetMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 2, MetricInvalidCount: 1},
				},
				{
					Time:    time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1},
				},
			},
			GetStart: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
			GetEnd:   time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			Name:         "earlier start and later end date",
			LocationName: "UTC",
			Interval:     AggregationDay,
			SaveMetrics: []MetricsRecord{
				{
					Time:    time.Date(2018, 1, 1, 1, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1},
				},
			},
			GetMetrics: []MetricsRecord{
				{
					Time:    time.Date(2017, 12, 31, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{},
				},
				{
					Time:    time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{MetricRecordCount: 1},
				},
				{
					Time:    time.Date(2018, 1, 2, 0, 0, 0, 0, time.UTC),
					Metrics: map[string]float64{},
				},
			},
			GetStart: time.Date(2017, 12, 31, 0, 0, 0, 0, time.UTC),
			GetEnd:   time.Date(2018, 1, 2, 1, 0, 0, 0, time.UTC),
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			assert.NoError(SetTimeLocation(tst.LocationName))
			assert.NoError(RedisClient().FlushAll(context.Background()).Err())

			for _, metrics := range tst.SaveMetrics {
				assert.NoError(SaveMetricsForInterval(context.Background(), tst.Interval, "metrics_test", metrics))
			}

			metrics, err := GetMetrics(context.Background(), tst.Interval, "metrics_test", tst.GetStart, tst.GetEnd)
			assert.NoError(err)
			assert.Len(metrics, len(tst.GetMetrics))

			for i := range tst.GetMetrics {
				assert.True(tst.GetMetrics[i].Time.Equal(metrics[i].Time), "expected %s, got %s", tst.GetMetrics[i].Time, metrics[i].Time)
				assert.Equal(tst.GetMetrics[i].Metrics, metrics[i].Metrics)
			}
		})
	}

	ts.T().Run("Unknown interval", func(t *testing.T) {
		assert := require.New(t)
		_, err := GetMetrics(context.Background(), AggregationInterval("WEEK"), "metrics_test", time.Now(), time.Now())
		assert.Error(err)
		assert.Error(SaveMetricsForInterval(context.Background(), AggregationInterval("WEEK"), "metrics_test", MetricsRecord{Metrics: map[string]float64{"a": 1}}))
	})

	ts.T().Run("SaveMetrics uses configured intervals", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(SetTimeLocation("UTC"))
		assert.NoError(SetAggregationIntervals([]AggregationInterval{AggregationHour, AggregationDay}))
		assert.NoError(RedisClient().FlushAll(context.Background()).Err())

		devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
		now := time.Date(2020, 5, 1, 10, 15, 0, 0, time.UTC)
		rec := codec.Record{Temperature: 20, Humidity: 50, Battery: 3.5, Valid: true}
		assert.NoError(SaveMetrics(context.Background(), DeviceMetricsName(devEUI), RecordMetrics(now, rec)))
		assert.NoError(SaveMetrics(context.Background(), DeviceMetricsName(devEUI), RecordMetrics(now, rec)))

		for _, agg := range []AggregationInterval{AggregationHour, AggregationDay} {
			metrics, err := GetMetrics(context.Background(), agg, DeviceMetricsName(devEUI), now, now)
			assert.NoError(err)
			assert.Len(metrics, 1)
			assert.Equal(float64(2), metrics[0].Metrics[MetricRecordCount])
			assert.Equal(float64(20), metrics[0].Average(MetricTemperatureSum))
		}

		metrics, err := GetMetrics(context.Background(), AggregationMinute, DeviceMetricsName(devEUI), now, now)
		assert.NoError(err)
		assert.Len(metrics, 1)
		assert.Empty(metrics[0].Metrics)
	})
}

func TestRecordMetrics(t *testing.T) {
	assert := require.New(t)
	now := time.Now()
	charging := true

	m := RecordMetrics(now, codec.Record{Temperature: 23.45, Humidity: 65.2, Battery: 3.7, SolarCharging: &charging, Valid: false})
	assert.Equal(now, m.Time)
	assert.Equal(map[string]float64{
		MetricRecordCount:        1,
		MetricInvalidCount:       1,
		MetricTemperatureSum:     23.45,
		MetricHumiditySum:        65.2,
		MetricBatterySum:         3.7,
		MetricSolarChargingCount: 1,
	}, m.Metrics)

	m = RecordMetrics(now, codec.Record{Temperature: 1, Valid: true})
	assert.NotContains(m.Metrics, MetricInvalidCount)
	assert.NotContains(m.Metrics, MetricSolarChargingCount)

	assert.Equal(float64(0), MetricsRecord{}.Average(MetricTemperatureSum))
}

func TestSetAggregationIntervals(t *testing.T) {
	assert := require.New(t)
	assert.NoError(SetAggregationIntervals(ParseAggregationIntervals([]string{"minute", "Hour"})))
	assert.Equal([]AggregationInterval{AggregationMinute, AggregationHour}, aggregationIntervals)
	assert.Error(SetAggregationIntervals([]AggregationInterval{"WEEK"}))
}

func TestGetMetricsBucketLimit(t *testing.T) {
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		Interval AggregationInterval
		End      time.Time
	}{
		{AggregationMinute, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{AggregationMinute, start.Add(MaxMetricsBuckets * time.Minute)},
		{AggregationHour, start.Add(MaxMetricsBuckets * time.Hour)},
		{AggregationDay, start.AddDate(0, 0, MaxMetricsBuckets+10)},
	}

	for _, tst := range tests {
		t.Run(string(tst.Interval), func(t *testing.T) {
			assert := require.New(t)

			_, err := GetMetrics(context.Background(), tst.Interval, "device:0102030405060708", start, tst.End)
			assert.Equal(ErrTooManyBuckets, err)
		})
	}
}
