package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/amqp"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/backend/events/mqtt"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/monitoring"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/uplink"
)

func run(cmd *cobra.Command, args []string) error {
	server := uplink.NewServer()

	tasks := []func() error{
		setLogLevel,
		setLogFormatter,
		setSyslog,
		printStartMessage,
		setupMonitoring,
		setupStorage,
		startMeasurementRetention,
		setupUplink,
		setEventsBackend,
		startUplinkServer(server),
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	go func() {
		log.Warning("stopping chirpstack-dht22-decoder")
		if err := server.Stop(); err != nil {
			log.Fatal(err)
		}
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func setLogFormatter() error {
	if config.C.General.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version":     version,
		"format":      config.C.Decoder.Format,
		"integration": config.C.Integration.Type,
	}).Info("starting ChirpStack DHT22 Decoder")
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func startMeasurementRetention() error {
	retention := config.C.PostgreSQL.MeasurementRetention
	if storage.DB() == nil || retention <= 0 {
		return nil
	}

	log.WithField("retention", retention).Info("starting measurement retention loop")
	go storage.MeasurementRetentionLoop(context.Background(), storage.DB(), retention, time.Hour)
	return nil
}

func setupUplink() error {
	if err := uplink.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup uplink error")
	}
	return nil
}

func setEventsBackend() error {
	var err error
	var b events.Backend

	switch config.C.Integration.Type {
	case "mqtt":
		b, err = mqtt.NewBackend(config.C)
	case "amqp":
		b, err = amqp.NewBackend(config.C)
	default:
		return fmt.Errorf("unexpected integration type: %s", config.C.Integration.Type)
	}

	if err != nil {
		return errors.Wrap(err, "events-backend setup failed")
	}

	events.Set(b)
	return nil
}

func startUplinkServer(server *uplink.Server) func() error {
	return func() error {
		return server.Start()
	}
}
