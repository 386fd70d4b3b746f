package monitoring

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
	"github.com/brocaar/lorawan"
)

const defaultMetricsHistory = 24 * time.Hour

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("monitoring: encode json response error")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func devEUIFromRequest(r *http.Request) (lorawan.EUI64, error) {
	var devEUI lorawan.EUI64
	if err := devEUI.UnmarshalText([]byte(mux.Vars(r)["dev_eui"])); err != nil {
		return devEUI, errors.Wrap(err, "decode dev_eui error")
	}
	return devEUI, nil
}

func deviceRecordHandlerFunc(w http.ResponseWriter, r *http.Request) {
	devEUI, err := devEUIFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dr, err := storage.GetDeviceRecord(r.Context(), devEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			writeError(w, http.StatusNotFound, err)
			return
		}
		log.WithError(err).WithField("dev_eui", devEUI).Error("monitoring: get device record error")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, dr)
}

func deleteDeviceRecordHandlerFunc(w http.ResponseWriter, r *http.Request) {
	devEUI, err := devEUIFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := storage.DeleteDeviceRecord(r.Context(), devEUI); err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			writeError(w, http.StatusNotFound, err)
			return
		}
		log.WithError(err).WithField("dev_eui", devEUI).Error("monitoring: delete device record error")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseTimeRange returns the start and end query parameters (RFC3339). It
// defaults to the last 24 hours.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	start := now.Add(-defaultMetricsHistory)
	end := now

	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, errors.Wrap(err, "parse start error")
		}
		start = t
	}

	if s := r.URL.Query().Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, errors.Wrap(err, "parse end error")
		}
		end = t
	}

	if end.Before(start) {
		return start, end, errors.New("end must not be before start")
	}

	return start, end, nil
}

// deviceMetrics holds the aggregated metrics of a single interval and the
// averages derived from these.
type deviceMetrics struct {
	Time     time.Time          `json:"time"`
	Metrics  map[string]float64 `json:"metrics"`
	Averages map[string]float64 `json:"averages"`
}

func newDeviceMetrics(m storage.MetricsRecord) deviceMetrics {
	return deviceMetrics{
		Time:    m.Time,
		Metrics: m.Metrics,
		Averages: map[string]float64{
			"temperature": m.Average(storage.MetricTemperatureSum),
			"humidity":    m.Average(storage.MetricHumiditySum),
			"battery":     m.Average(storage.MetricBatterySum),
		},
	}
}

func deviceMetricsHandlerFunc(w http.ResponseWriter, r *http.Request) {
	devEUI, err := devEUIFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	interval := storage.AggregationHour
	if s := r.URL.Query().Get("interval"); s != "" {
		interval = storage.ParseAggregationIntervals([]string{s})[0]
	}

	switch interval {
	case storage.AggregationMinute, storage.AggregationHour, storage.AggregationDay, storage.AggregationMonth:
	default:
		writeError(w, http.StatusBadRequest, errors.Errorf("unexpected aggregation interval: %s", interval))
		return
	}

	metrics, err := storage.GetMetrics(r.Context(), interval, storage.DeviceMetricsName(devEUI), start, end)
	if err != nil {
		if errors.Cause(err) == storage.ErrTooManyBuckets {
			writeError(w, http.StatusBadRequest, errors.Wrapf(err, "max %d intervals", storage.MaxMetricsBuckets))
			return
		}
		log.WithError(err).WithField("dev_eui", devEUI).Error("monitoring: get device metrics error")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]deviceMetrics, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, newDeviceMetrics(m))
	}

	writeJSON(w, http.StatusOK, out)
}
