// Command wiotp-managed connects a managed device to the Watson IoT Platform. It accepts
// reboot requests, walks simulated firmware downloads and updates through their states,
// and sends a status event every interval until interrupted.
//
//	wiotp-managed --config device.cfg --device-info info.yaml --metrics-addr :9100
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mtraver/wiotp"
)

type options struct {
	configPath  string
	infoPath    string
	metricsAddr string
	level       string
	lifetime    time.Duration
	interval    time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to the device configuration file")
	flag.StringVar(&o.infoPath, "device-info", "", "optional YAML file with the device info sent when managing")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9100")
	flag.StringVar(&o.level, "log-level", "info", "log level: error, warn, info, debug or trace")
	flag.DurationVar(&o.lifetime, "lifetime", time.Hour, "manage lifetime; 0 means the device never goes dormant")
	flag.DurationVar(&o.interval, "interval", 10*time.Second, "time between status events")
	flag.Parse()

	if o.configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: wiotp-managed --config config_file_path")
		os.Exit(1)
	}

	logger, closer, err := wiotp.NewLogger("wiotp-managed", o.level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wiotp-managed: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(logger, o); err != nil {
		logger.Error().Err(err).Msg("exiting")
		closer.Close()
		os.Exit(1)
	}
}

func loadDeviceInfo(path string) (wiotp.DeviceInfo, error) {
	var info wiotp.DeviceInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := yaml.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parsing %v: %w", path, err)
	}
	return info, nil
}

func serveMetrics(logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func run(logger zerolog.Logger, o options) error {
	cfg, err := wiotp.LoadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	opts := []wiotp.Option{
		wiotp.WithLogger(logger),
		wiotp.WithCertRetriever(wiotp.CertDirRetriever{}),
	}
	if o.metricsAddr != "" {
		opts = append(opts, wiotp.WithMetrics(wiotp.NewMetrics(prometheus.DefaultRegisterer)))
		serveMetrics(logger, o.metricsAddr)
	}

	client, err := wiotp.New(*cfg, false, opts...)
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

	dm := wiotp.NewManagedDevice(client)
	if o.infoPath != "" {
		info, err := loadDeviceInfo(o.infoPath)
		if err != nil {
			return err
		}
		dm.SetDeviceInfo(info)
	}

	dm.SetDMResponseHandler(func(resp wiotp.Response) {
		logger.Info().Str("req_id", resp.ReqID).Int("rc", resp.RC).Msg("device management response")
	})
	dm.SetRebootHandler(func(a wiotp.DeviceAction) {
		logger.Info().Str("req_id", a.ReqID).Msg("reboot requested, accepting without rebooting")
		if err := dm.RespondDeviceAction(a.ReqID, wiotp.RCAccepted); err != nil {
			logger.Warn().Err(err).Msg("failed to respond to reboot")
		}
	})
	dm.SetFirmwareDownloadHandler(func(fw wiotp.Firmware) {
		logger.Info().Str("version", fw.Version).Str("uri", fw.URI).Msg("downloading firmware")
		go simulateDownload(logger, dm)
	})
	dm.SetFirmwareUpdateHandler(func(fw wiotp.Firmware) {
		logger.Info().Str("version", fw.Version).Msg("updating firmware")
		go simulateUpdate(logger, dm)
	})

	req, err := dm.Manage(o.lifetime, true, true)
	if err != nil {
		return fmt.Errorf("failed to send manage request: %w", err)
	}
	defer func() {
		if _, err := dm.Unmanage(); err != nil {
			logger.Warn().Err(err).Msg("failed to send unmanage request")
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	resp, err := req.Wait(waitCtx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("no response to manage request")
	} else if resp.RC != wiotp.RCSuccess {
		logger.Warn().Int("rc", resp.RC).Str("message", resp.Message).Msg("manage request rejected")
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	data := []byte(`{"d" : {"SensorID": "Test", "Reading": 7 }}`)
	for {
		if err := client.PublishEvent("status", "json", data, wiotp.QoS0); err != nil {
			logger.Warn().Err(err).Msg("failed to publish event")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("received a signal, exiting")
			return nil
		case <-ticker.C:
		}
	}
}

func simulateDownload(logger zerolog.Logger, dm *wiotp.ManagedDevice) {
	if err := dm.ChangeFirmwareDownloadState(wiotp.FirmwareDownloading); err != nil {
		logger.Warn().Err(err).Msg("failed to change firmware state")
		return
	}
	time.Sleep(5 * time.Second)
	if err := dm.ChangeFirmwareDownloadState(wiotp.FirmwareDownloaded); err != nil {
		logger.Warn().Err(err).Msg("failed to change firmware state")
	}
}

func simulateUpdate(logger zerolog.Logger, dm *wiotp.ManagedDevice) {
	if err := dm.ChangeFirmwareUpdateState(wiotp.UpdateInProgress); err != nil {
		logger.Warn().Err(err).Msg("failed to change firmware update status")
		return
	}
	time.Sleep(5 * time.Second)
	if err := dm.ChangeFirmwareDownloadState(wiotp.FirmwareIdle); err != nil {
		logger.Warn().Err(err).Msg("failed to change firmware state")
	}
	if err := dm.ChangeFirmwareUpdateState(wiotp.UpdateSuccess); err != nil {
		logger.Warn().Err(err).Msg("failed to change firmware update status")
	}
}
