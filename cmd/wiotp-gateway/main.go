// Command wiotp-gateway connects a gateway to the Watson IoT Platform and sends events,
// either from the gateway itself or on behalf of a connected device.
//
//	wiotp-gateway -c gateway.cfg -a device -t TestDeviceType -i TestDevice
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

const (
	actionGateway = "gateway"
	actionDevice  = "device"
)

type options struct {
	configPath string
	action     string
	deviceType string
	deviceID   string
	events     int
	interval   time.Duration
	level      string
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: wiotp-gateway --config config_file_path")
	fmt.Fprintln(os.Stderr, "-c or --config <config_file_path>  - Default is ../config/gateway.cfg")
	fmt.Fprintln(os.Stderr, "-a or --action [gateway|device]    - Test action - default is gateway")
	fmt.Fprintln(os.Stderr, "-t or --type <device_type>         - Default is TestDeviceType - used for device test")
	fmt.Fprintln(os.Stderr, "-i or --id <device_id>             - Default is TestDevice - used for device test")
	flag.PrintDefaults()
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "c", "../config/gateway.cfg", "path to the gateway configuration file")
	flag.StringVar(&o.configPath, "config", "../config/gateway.cfg", "path to the gateway configuration file")
	flag.StringVar(&o.action, "a", actionGateway, "test action: gateway or device")
	flag.StringVar(&o.action, "action", actionGateway, "test action: gateway or device")
	flag.StringVar(&o.deviceType, "t", "TestDeviceType", "device type used for the device action")
	flag.StringVar(&o.deviceType, "type", "TestDeviceType", "device type used for the device action")
	flag.StringVar(&o.deviceID, "i", "TestDevice", "device ID used for the device action")
	flag.StringVar(&o.deviceID, "id", "TestDevice", "device ID used for the device action")
	flag.IntVar(&o.events, "n", 1, "number of events to send")
	flag.DurationVar(&o.interval, "interval", 10*time.Second, "time between events")
	flag.StringVar(&o.level, "log-level", "info", "log level: error, warn, info, debug or trace")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "ERROR: Invalid option is specified: %v\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
	if o.action != actionGateway && o.action != actionDevice {
		fmt.Fprintf(os.Stderr, "ERROR: Invalid action is specified: %v\n", o.action)
		usage()
		os.Exit(1)
	}
	if o.deviceType == "" || o.deviceID == "" {
		fmt.Fprintln(os.Stderr, "ERROR: Device type and ID cannot be empty")
		usage()
		os.Exit(1)
	}

	logger, closer, err := wiotp.NewLogger("wiotp-gateway", o.level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wiotp-gateway: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(logger, o); err != nil {
		logger.Error().Err(err).Msg("exiting")
		closer.Close()
		os.Exit(1)
	}
}

func run(logger zerolog.Logger, o options) error {
	cfg, err := wiotp.LoadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway configuration: %w", err)
	}

	client, err := wiotp.New(*cfg, true,
		wiotp.WithLogger(logger),
		wiotp.WithCertRetriever(wiotp.CertDirRetriever{}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway configuration: %w", err)
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

	gw := client.Config()
	logger.Info().Str("gateway_type", gw.Type).Str("gateway_id", gw.ID).Msg("gateway connected")

	client.SetCommandHandler(func(cmd wiotp.Command) {
		logger.Info().
			Str("type", cmd.Type).
			Str("id", cmd.ID).
			Str("command", cmd.Name).
			Str("format", cmd.Format).
			Bytes("payload", cmd.Payload).
			Msg("gateway command received")
	})

	var publish func(data []byte) error
	switch o.action {
	case actionGateway:
		logger.Info().Msg("performing gateway actions")
		if err := client.SubscribeToGatewayCommands(); err != nil {
			logger.Warn().Err(err).Msg("failed to subscribe to gateway commands")
		}
		publish = func(data []byte) error {
			return client.PublishGatewayEvent("status", "json", data, wiotp.QoS1)
		}
	case actionDevice:
		logger.Info().Str("device_type", o.deviceType).Str("device_id", o.deviceID).Msg("performing device actions")
		if err := client.SubscribeToGatewayNotification(); err != nil {
			logger.Warn().Err(err).Msg("failed to subscribe to gateway notifications")
		}
		if err := client.SubscribeToDeviceCommands(o.deviceType, o.deviceID, wiotp.Wildcard, wiotp.Wildcard, wiotp.QoS1); err != nil {
			logger.Warn().Err(err).Msg("failed to subscribe to device commands")
		}
		publish = func(data []byte) error {
			return client.PublishDeviceEvent(o.deviceType, o.deviceID, "status", "json", data, wiotp.QoS1)
		}
	}

	logger.Info().Int("events", o.events).Dur("interval", o.interval).Msg("sending events")
	for cycle := 0; cycle < o.events; cycle++ {
		data := []byte(fmt.Sprintf(`{"d":{"TestCycle":%d}}`, cycle))
		if err := publish(data); err != nil {
			logger.Warn().Err(err).Int("cycle", cycle).Msg("failed to publish event")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("received a signal")
			return nil
		case <-time.After(o.interval):
		}
	}

	logger.Info().Msg("test cycle complete")
	return nil
}
