package wiotp

import "errors"

// Errors returned by this package. Use errors.Is to check for them; most are
// wrapped with additional context.
var (
	// ErrMissingInputParam is returned when a required configuration value is absent.
	ErrMissingInputParam = errors.New("wiotp: missing input parameter")

	// ErrConfigFile is returned when a configuration file is unreadable or unusable.
	ErrConfigFile = errors.New("wiotp: configuration file error")

	// ErrQuickstartNotSupported is returned when quickstart mode is combined with a
	// gateway client or with the NXP engine.
	ErrQuickstartNotSupported = errors.New("wiotp: quickstart mode not supported")

	// ErrSecureElement is returned when certificates or the device ID cannot be
	// retrieved from the secure element.
	ErrSecureElement = errors.New("wiotp: secure element certificate error")

	// ErrTransport wraps errors reported by the MQTT transport. The transport's own
	// error is wrapped too, so errors.Is matches both.
	ErrTransport = errors.New("wiotp: transport error")

	// ErrNotConnected is returned when an operation needs an open session.
	ErrNotConnected = errors.New("wiotp: client not connected")

	// ErrShutdown is returned by RetryConnect and Publish once Shutdown has been called.
	ErrShutdown = errors.New("wiotp: client shut down")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("wiotp: topic cannot be empty")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("wiotp: invalid QoS level (must be 0, 1, or 2)")

	// ErrNotGateway is returned when a gateway-only operation is used by a device client.
	ErrNotGateway = errors.New("wiotp: operation requires a gateway client")

	// ErrAlreadyManaged is returned by Manage when the device is already managed.
	ErrAlreadyManaged = errors.New("wiotp: device is already managed")

	// ErrNotManaged is returned by device management operations on an unmanaged device.
	ErrNotManaged = errors.New("wiotp: device is not managed")

	// ErrCorrelationMismatch marks a device management response whose reqId matches no
	// pending request. It is logged and the response dropped; it is never returned to callers.
	ErrCorrelationMismatch = errors.New("wiotp: response does not match a pending request")

	// ErrInvalidFirmwareTransition is returned when a firmware state change does not
	// follow Idle -> Downloading -> Downloaded -> Idle or Downloading -> Idle.
	ErrInvalidFirmwareTransition = errors.New("wiotp: invalid firmware state transition")
)
