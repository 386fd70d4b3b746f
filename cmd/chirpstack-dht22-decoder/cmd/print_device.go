package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
	"github.com/brocaar/lorawan"
)

var (
	printDeviceInterval string
	printDeviceHistory  time.Duration
	printDeviceLimit    int
)

type deviceSummary struct {
	Record       *storage.DeviceRecord   `json:"record"`
	Metrics      []storage.MetricsRecord `json:"metrics"`
	Measurements []storage.Measurement   `json:"measurements,omitempty"`
}

var printDeviceCmd = &cobra.Command{
	Use:     "print-device",
	Short:   "Print the latest record and the aggregated metrics of a device as JSON (for debugging)",
	Example: `chirpstack-dht22-decoder print-device 0102030405060708`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			log.Fatalf("hex encoded DevEUI must be given as an argument")
		}

		var devEUI lorawan.EUI64
		if err := devEUI.UnmarshalText([]byte(args[0])); err != nil {
			log.WithError(err).Fatal("decode DevEUI error")
		}

		if err := storage.Setup(config.C); err != nil {
			log.Fatal(err)
		}

		summary, err := getDeviceSummary(context.Background(), devEUI, time.Now())
		if err != nil {
			log.WithError(err).Fatal("get device summary error")
		}

		b, err := json.MarshalIndent(summary, "", "    ")
		if err != nil {
			log.WithError(err).Fatal("json marshal error")
		}

		fmt.Println(string(b))
	},
}

func init() {
	printDeviceCmd.Flags().StringVar(&printDeviceInterval, "interval", "HOUR", "metrics aggregation interval (MINUTE, HOUR, DAY or MONTH)")
	printDeviceCmd.Flags().DurationVar(&printDeviceHistory, "history", 24*time.Hour, "metrics and measurement history to print")
	printDeviceCmd.Flags().IntVar(&printDeviceLimit, "limit", 10, "max number of measurements to print")
}

func getDeviceSummary(ctx context.Context, devEUI lorawan.EUI64, now time.Time) (deviceSummary, error) {
	var out deviceSummary

	dr, err := storage.GetDeviceRecord(ctx, devEUI)
	if err != nil && errors.Cause(err) != storage.ErrDoesNotExist {
		return out, errors.Wrap(err, "get device record error")
	}
	if err == nil {
		out.Record = &dr
	}

	intervals := storage.ParseAggregationIntervals([]string{printDeviceInterval})
	out.Metrics, err = storage.GetMetrics(ctx, intervals[0], storage.DeviceMetricsName(devEUI), now.Add(-printDeviceHistory), now)
	if err != nil {
		return out, errors.Wrap(err, "get metrics error")
	}

	if storage.DB() != nil {
		out.Measurements, err = storage.GetMeasurements(ctx, storage.DB(), devEUI, now.Add(-printDeviceHistory), now, printDeviceLimit)
		if err != nil {
			return out, errors.Wrap(err, "get measurements error")
		}
	}

	return out, nil
}
