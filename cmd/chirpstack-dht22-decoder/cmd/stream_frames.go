package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/framelog"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/storage"
	"github.com/brocaar/lorawan"
)

var streamFramesCmd = &cobra.Command{
	Use:   "stream-frames [dev_eui]",
	Short: "Stream the handled uplink frames as JSON (for debugging)",
	Example: `chirpstack-dht22-decoder stream-frames
chirpstack-dht22-decoder stream-frames 0102030405060708`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := storage.Setup(config.C); err != nil {
			log.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		frameLogChan := make(chan framelog.FrameLog)
		go func() {
			var err error
			if len(args) == 1 {
				var devEUI lorawan.EUI64
				if err := devEUI.UnmarshalText([]byte(args[0])); err != nil {
					log.WithError(err).Fatal("decode DevEUI error")
				}
				err = framelog.GetFrameLogForDevice(ctx, devEUI, frameLogChan)
			} else {
				err = framelog.GetFrameLog(ctx, frameLogChan)
			}
			if err != nil {
				log.WithError(err).Error("get frame log error")
			}
			cancel()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case fl := <-frameLogChan:
				b, err := json.Marshal(fl)
				if err != nil {
					log.WithError(err).Fatal("json marshal error")
				}
				fmt.Println(string(b))
			}
		}
	},
}
