package monitoring

import (
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
)

func healthCheckHandlerFunc(w http.ResponseWriter, r *http.Request) {
	if err := storage.Ping(r.Context()); err != nil {
		log.WithError(err).Warning("monitoring: health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(err.Error()))
		return
	}

	w.WriteHeader(http.StatusOK)
}
