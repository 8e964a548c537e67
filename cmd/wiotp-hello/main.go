// Command wiotp-hello sends a status event every two seconds until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtraver/wiotp"
)

func main() {
	configPath := flag.String("config", "", "path to the device configuration file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: wiotp-hello --config config_file_path")
		os.Exit(1)
	}

	logger, closer, err := wiotp.NewLogger("wiotp-hello", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "wiotp-hello: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	cfg, err := wiotp.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize configuration")
	}

	client, err := wiotp.New(*cfg, false, wiotp.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		client.Shutdown()
	}()

	if err := client.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Watson IoT Platform")
	}

	data := []byte(`{"d" : {"SensorID": "Test", "Reading": 7 }}`)
	for ctx.Err() == nil {
		if err := client.PublishEvent("status", "json", data, wiotp.QoS0); err != nil {
			logger.Warn().Err(err).Msg("failed to publish event")
		} else {
			logger.Info().Msg("sent status event")
		}

		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	logger.Info().Msg("received a signal, exiting publish event cycle")
	client.Disconnect()
}
