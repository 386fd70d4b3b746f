package monitoring

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
)

// Setup setsup the monitoring server.
func Setup(c config.Config) error {
	if c.Monitoring.Bind == "" {
		return nil
	}

	log.WithFields(log.Fields{
		"bind": c.Monitoring.Bind,
	}).Info("monitoring: setting up monitoring endpoint")

	server := http.Server{
		Handler: newHandler(c),
		Addr:    c.Monitoring.Bind,
	}

	go func() {
		err := server.ListenAndServe()
		log.WithError(err).Error("monitoring: monitoring server error")
	}()

	return nil
}

func newHandler(c config.Config) http.Handler {
	r := mux.NewRouter()

	if c.Monitoring.PrometheusEndpoint {
		log.WithFields(log.Fields{
			"endpoint": "/metrics",
		}).Info("monitoring: registering Prometheus endpoint")
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	if c.Monitoring.HealthcheckEndpoint {
		log.WithFields(log.Fields{
			"endpoint": "/health",
		}).Info("monitoring: registering healthcheck endpoint")
		r.HandleFunc("/health", healthCheckHandlerFunc).Methods(http.MethodGet)
	}

	if c.Monitoring.DeviceAPI {
		log.WithFields(log.Fields{
			"endpoint": "/api/devices/{dev_eui}",
		}).Info("monitoring: registering device api endpoints")
		r.HandleFunc("/api/devices/{dev_eui}", deviceRecordHandlerFunc).Methods(http.MethodGet)
		r.HandleFunc("/api/devices/{dev_eui}", deleteDeviceRecordHandlerFunc).Methods(http.MethodDelete)
		r.HandleFunc("/api/devices/{dev_eui}/metrics", deviceMetricsHandlerFunc).Methods(http.MethodGet)
	}

	return r
}
