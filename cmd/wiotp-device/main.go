// Command wiotp-device connects a device to the Watson IoT Platform, prints the
// commands it receives and sends a status event every interval until interrupted.
//
//	wiotp-device --config device.cfg
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtraver/wiotp"
)

const statusEvent = `{"d" : {"SensorID": "Test", "Reading": 7 }}`

func main() {
	configPath := flag.String("config", "", "path to the device configuration file")
	envPath := flag.String("env", "", "optional .env file with WIOTP_* overrides")
	level := flag.String("log-level", "info", "log level: error, warn, info, debug or trace")
	interval := flag.Duration("interval", 10*time.Second, "time between status events")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: wiotp-device --config config_file_path")
		os.Exit(1)
	}

	logger, closer, err := wiotp.NewLogger("wiotp-device", *level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wiotp-device: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(logger, *configPath, *envPath, *interval); err != nil {
		logger.Error().Err(err).Msg("exiting")
		closer.Close()
		os.Exit(1)
	}
}

func run(logger zerolog.Logger, configPath, envPath string, interval time.Duration) error {
	if envPath != "" {
		if err := wiotp.LoadEnvFile(envPath); err != nil {
			return err
		}
	}

	cfg, err := wiotp.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	// Devices with a client certificate may leave the ID to the certificate's CN.
	if cfg.ID == "" && cfg.ClientCertPath != "" && !cfg.UseCertsFromSE {
		id, err := wiotp.DeviceIDFromCert(cfg.ClientCertPath)
		if err != nil {
			return err
		}
		cfg.ID = id
	}

	client, err := wiotp.New(*cfg, false,
		wiotp.WithLogger(logger),
		wiotp.WithCertRetriever(wiotp.CertDirRetriever{}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		client.Shutdown()
	}()

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Watson IoT Platform: %w", err)
	}
	defer client.Disconnect()

	client.SetCommandHandler(func(cmd wiotp.Command) {
		logger.Info().
			Str("type", cmd.Type).
			Str("id", cmd.ID).
			Str("command", cmd.Name).
			Str("format", cmd.Format).
			Bytes("payload", cmd.Payload).
			Msg("received device command")
	})
	if err := client.SubscribeCommand(wiotp.Wildcard, wiotp.Wildcard, wiotp.QoS0); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		logger.Info().Msg("sending status event")
		if err := client.PublishEvent("status", "json", []byte(statusEvent), wiotp.QoS0); err != nil {
			logger.Warn().Err(err).Msg("failed to publish event")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("received a signal, exiting publish event cycle")
			return nil
		case <-ticker.C:
		}
	}
}
