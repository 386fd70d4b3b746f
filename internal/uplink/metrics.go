package uplink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uec = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_event_count",
		Help: "The number of received uplink events.",
	})

	udc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_decoded_count",
		Help: "The number of decoded uplink payloads (per format).",
	}, []string{"format"})

	udec = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_decode_error_count",
		Help: "The number of uplink payloads that failed to decode.",
	})

	usfc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_sensor_fault_count",
		Help: "The number of decoded uplink payloads reporting a sensor fault.",
	})

	udupc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_duplicate_count",
		Help: "The number of uplink events skipped because another instance handled them.",
	})
)

func uplinkDecodedCounter(format string) prometheus.Counter {
	return udc.With(prometheus.Labels{"format": format})
}
