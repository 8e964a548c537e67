package wiotp

import "fmt"

// Response codes used in device management responses.
const (
	RCSuccess       = 200
	RCAccepted      = 202
	RCUpdateSuccess = 204
	RCBadRequest    = 400
	RCFailed        = 500
	RCNotSupported  = 501
)

// FirmwareState is the firmware download state of a managed device.
type FirmwareState int

// Firmware download states. A device moves Idle -> Downloading -> Downloaded -> Idle,
// or from Downloading straight back to Idle when a download fails.
const (
	FirmwareIdle FirmwareState = iota
	FirmwareDownloading
	FirmwareDownloaded
)

func (s FirmwareState) String() string {
	switch s {
	case FirmwareIdle:
		return "idle"
	case FirmwareDownloading:
		return "downloading"
	case FirmwareDownloaded:
		return "downloaded"
	default:
		return fmt.Sprintf("FirmwareState(%d)", int(s))
	}
}

// canTransition reports whether the download state may move from s to next.
// Staying in the same state is allowed.
func (s FirmwareState) canTransition(next FirmwareState) bool {
	if next < FirmwareIdle || next > FirmwareDownloaded {
		return false
	}
	switch {
	case s == next:
		return true
	case s == FirmwareIdle:
		return next == FirmwareDownloading
	case s == FirmwareDownloading:
		return next == FirmwareDownloaded || next == FirmwareIdle
	case s == FirmwareDownloaded:
		return next == FirmwareIdle
	}
	return false
}

// FirmwareUpdateStatus is the outcome of a firmware update.
type FirmwareUpdateStatus int

// Firmware update statuses.
const (
	UpdateSuccess FirmwareUpdateStatus = iota
	UpdateInProgress
	UpdateOutOfMemory
	UpdateConnectionLost
	UpdateVerificationFailed
	UpdateUnsupportedImage
	UpdateInvalidURI
)

func (s FirmwareUpdateStatus) String() string {
	switch s {
	case UpdateSuccess:
		return "success"
	case UpdateInProgress:
		return "in progress"
	case UpdateOutOfMemory:
		return "out of memory"
	case UpdateConnectionLost:
		return "connection lost"
	case UpdateVerificationFailed:
		return "verification failed"
	case UpdateUnsupportedImage:
		return "unsupported image"
	case UpdateInvalidURI:
		return "invalid URI"
	default:
		return fmt.Sprintf("FirmwareUpdateStatus(%d)", int(s))
	}
}

// Firmware is the mgmt.firmware record of a managed device.
type Firmware struct {
	Version         string               `json:"version,omitempty"`
	Name            string               `json:"name,omitempty"`
	URI             string               `json:"uri,omitempty"`
	Verifier        string               `json:"verifier,omitempty"`
	State           FirmwareState        `json:"state"`
	UpdateStatus    FirmwareUpdateStatus `json:"updateStatus"`
	UpdatedDateTime string               `json:"updatedDateTime,omitempty"`
}

// Location is the physical location of a device. Date-times are ISO 8601 strings.
type Location struct {
	Longitude        float64 `json:"longitude"`
	Latitude         float64 `json:"latitude"`
	Elevation        float64 `json:"elevation"`
	MeasuredDateTime string  `json:"measuredDateTime"`
	UpdatedDateTime  string  `json:"updatedDateTime,omitempty"`
	Accuracy         float64 `json:"accuracy"`
}

// DeviceInfo describes a device in its manage request.
type DeviceInfo struct {
	SerialNumber        string `json:"serialNumber,omitempty" yaml:"serialNumber"`
	Manufacturer        string `json:"manufacturer,omitempty" yaml:"manufacturer"`
	Model               string `json:"model,omitempty" yaml:"model"`
	DeviceClass         string `json:"deviceClass,omitempty" yaml:"deviceClass"`
	Description         string `json:"description,omitempty" yaml:"description"`
	FwVersion           string `json:"fwVersion,omitempty" yaml:"fwVersion"`
	HwVersion           string `json:"hwVersion,omitempty" yaml:"hwVersion"`
	DescriptiveLocation string `json:"descriptiveLocation,omitempty" yaml:"descriptiveLocation"`
}
