package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
	"github.com/brocaar/lorawan"
)

// AggregationInterval defines the aggregation type.
type AggregationInterval string

// Metrics aggregation intervals.
const (
	AggregationMinute AggregationInterval = "MINUTE"
	AggregationHour   AggregationInterval = "HOUR"
	AggregationDay    AggregationInterval = "DAY"
	AggregationMonth  AggregationInterval = "MONTH"
)

// Metric names stored for every decoded record.
const (
	MetricRecordCount        = "record_count"
	MetricInvalidCount       = "invalid_count"
	MetricTemperatureSum     = "temperature_sum"
	MetricHumiditySum        = "humidity_sum"
	MetricBatterySum         = "battery_sum"
	MetricSolarChargingCount = "solar_charging_count"
)

// MaxMetricsBuckets holds the max number of interval buckets returned by
// GetMetrics.
const MaxMetricsBuckets = 1000

const (
	metricsKeyTempl = "dht22:metrics:%s:%s:%d" // metrics key (identifier | aggregation | timestamp)
)

var (
	timeLocation         = time.Local
	aggregationIntervals []AggregationInterval
	metricsMinuteTTL     time.Duration
	metricsHourTTL       time.Duration
	metricsDayTTL        time.Duration
	metricsMonthTTL      time.Duration
)

// MetricsRecord holds a single metrics record.
type MetricsRecord struct {
	Time    time.Time          `json:"time"`
	Metrics map[string]float64 `json:"metrics"`
}

// Average returns the sum metric divided by the record count, or 0 when
// nothing was aggregated.
func (m MetricsRecord) Average(sumMetric string) float64 {
	n := m.Metrics[MetricRecordCount]
	if n == 0 {
		return 0
	}
	return m.Metrics[sumMetric] / n
}

// SetTimeLocation sets the time location.
func SetTimeLocation(name string) error {
	var err error
	timeLocation, err = time.LoadLocation(name)
	if err != nil {
		return errors.Wrap(err, "load location error")
	}
	return nil
}

// SetAggregationIntervals sets the metrics aggregation to the given intervals.
func SetAggregationIntervals(intervals []AggregationInterval) error {
	for _, agg := range intervals {
		switch agg {
		case AggregationMinute, AggregationHour, AggregationDay, AggregationMonth:
		default:
			return fmt.Errorf("unexpected aggregation interval: %s", agg)
		}
	}
	aggregationIntervals = intervals
	return nil
}

// ParseAggregationIntervals converts the given (case-insensitive) names into
// aggregation intervals.
func ParseAggregationIntervals(names []string) []AggregationInterval {
	var out []AggregationInterval
	for _, n := range names {
		out = append(out, AggregationInterval(strings.ToUpper(n)))
	}
	return out
}

// SetMetricsTTL sets the storage TTL.
func SetMetricsTTL(minute, hour, day, month time.Duration) {
	metricsMinuteTTL = minute
	metricsHourTTL = hour
	metricsDayTTL = day
	metricsMonthTTL = month
}

// RecordMetrics returns the metrics to aggregate for the given decoded
// record.
func RecordMetrics(ts time.Time, r codec.Record) MetricsRecord {
	m := MetricsRecord{
		Time: ts,
		Metrics: map[string]float64{
			MetricRecordCount:    1,
			MetricTemperatureSum: r.Temperature,
			MetricHumiditySum:    r.Humidity,
			MetricBatterySum:     r.Battery,
		},
	}

	if !r.Valid {
		m.Metrics[MetricInvalidCount] = 1
	}

	if r.SolarCharging != nil && *r.SolarCharging {
		m.Metrics[MetricSolarChargingCount] = 1
	}

	return m
}

// DeviceMetricsName returns the metrics name for the given DevEUI.
func DeviceMetricsName(devEUI lorawan.EUI64) string {
	return "device:" + devEUI.String()
}

// SaveMetrics stores the given metrics into Redis.
func SaveMetrics(ctx context.Context, name string, metrics MetricsRecord) error {
	for _, agg := range aggregationIntervals {
		if err := SaveMetricsForInterval(ctx, agg, name, metrics); err != nil {
			return errors.Wrap(err, "save metrics for interval error")
		}
	}

	log.WithFields(log.Fields{
		"name":        name,
		"aggregation": aggregationIntervals,
		"ctx_id":      logging.GetContextID(ctx),
	}).Debug("storage: metrics saved")

	return nil
}

// SaveMetricsForInterval aggregates and stores the given metrics.
func SaveMetricsForInterval(ctx context.Context, agg AggregationInterval, name string, metrics MetricsRecord) error {
	if len(metrics.Metrics) == 0 {
		return nil
	}

	var exp time.Duration

	ts := metrics.Time.In(timeLocation)
	switch agg {
	case AggregationMinute:
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), 0, 0, timeLocation)
		exp = metricsMinuteTTL
	case AggregationHour:
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, timeLocation)
		exp = metricsHourTTL
	case AggregationDay:
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, timeLocation)
		exp = metricsDayTTL
	case AggregationMonth:
		ts = time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, timeLocation)
		exp = metricsMonthTTL
	default:
		return fmt.Errorf("unexpected aggregation interval: %s", agg)
	}

	key := GetRedisKey(metricsKeyTempl, name, agg, ts.Unix())

	pipe := RedisClient().TxPipeline()
	for k, v := range metrics.Metrics {
		pipe.HIncrByFloat(ctx, key, k, v)
	}
	pipe.PExpire(ctx, key, exp)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	return nil
}

// GetMetrics returns the metrics for the requested aggregation interval.
// It returns ErrTooManyBuckets when the range holds more than
// MaxMetricsBuckets intervals.
func GetMetrics(ctx context.Context, agg AggregationInterval, name string, start, end time.Time) ([]MetricsRecord, error) {
	var keys []string
	var timestamps []time.Time

	start = start.In(timeLocation)
	end = end.In(timeLocation)

	switch agg {
	case AggregationMinute:
		end = time.Date(end.Year(), end.Month(), end.Day(), end.Hour(), end.Minute(), 0, 0, timeLocation)
		for i := 0; ; i++ {
			ts := time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute()+i, 0, 0, timeLocation)
			if ts.After(end) {
				break
			}
			if len(timestamps) == MaxMetricsBuckets {
				return nil, ErrTooManyBuckets
			}
			timestamps = append(timestamps, ts)
			keys = append(keys, GetRedisKey(metricsKeyTempl, name, agg, ts.Unix()))
		}
	case AggregationHour:
		end = time.Date(end.Year(), end.Month(), end.Day(), end.Hour(), 0, 0, 0, timeLocation)
		for i := 0; ; i++ {
			ts := time.Date(start.Year(), start.Month(), start.Day(), start.Hour()+i, 0, 0, 0, timeLocation)
			if ts.After(end) {
				break
			}
			if len(timestamps) == MaxMetricsBuckets {
				return nil, ErrTooManyBuckets
			}
			timestamps = append(timestamps, ts)
			keys = append(keys, GetRedisKey(metricsKeyTempl, name, agg, ts.Unix()))
		}
	case AggregationDay:
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, timeLocation)
		for i := 0; ; i++ {
			ts := time.Date(start.Year(), start.Month(), start.Day()+i, 0, 0, 0, 0, timeLocation)
			if ts.After(end) {
				break
			}
			if len(timestamps) == MaxMetricsBuckets {
				return nil, ErrTooManyBuckets
			}
			timestamps = append(timestamps, ts)
			keys = append(keys, GetRedisKey(metricsKeyTempl, name, agg, ts.Unix()))
		}
	case AggregationMonth:
		end = time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, timeLocation)
		for i := 0; ; i++ {
			ts := time.Date(start.Year(), start.Month()+time.Month(i), 1, 0, 0, 0, 0, timeLocation)
			if ts.After(end) {
				break
			}
			if len(timestamps) == MaxMetricsBuckets {
				return nil, ErrTooManyBuckets
			}
			timestamps = append(timestamps, ts)
			keys = append(keys, GetRedisKey(metricsKeyTempl, name, agg, ts.Unix()))
		}
	default:
		return nil, fmt.Errorf("unexpected aggregation interval: %s", agg)
	}

	if len(keys) == 0 {
		return nil, nil
	}

	pipe := RedisClient().Pipeline()
	var cmds []*redis.StringStringMapCmd
	for _, k := range keys {
		cmds = append(cmds, pipe.HGetAll(ctx, k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "hgetall error")
	}

	var out []MetricsRecord

	for i, ts := range timestamps {
		metrics := MetricsRecord{
			Time:    ts,
			Metrics: make(map[string]float64),
		}

		vals, err := cmds[i].Result()
		if err != nil {
			return nil, errors.Wrap(err, "hgetall result error")
		}

		for k, v := range vals {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, errors.Wrap(err, "parse float error")
			}

			metrics.Metrics[k] = f
		}

		out = append(out, metrics)
	}

	return out, nil
}
