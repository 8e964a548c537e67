package wiotp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Request is an outstanding device management request initiated by the device. It
// completes when the platform answers on iotdm-1/response with the same reqId.
type Request struct {
	ID string

	done chan struct{}
	resp Response
}

func newRequest() *Request {
	return &Request{
		ID:   uuid.NewString(),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the platform's response arrives.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Response returns the platform's response and whether it has arrived.
func (r *Request) Response() (Response, bool) {
	select {
	case <-r.done:
		return r.resp, true
	default:
		return Response{}, false
	}
}

// Wait blocks until the response arrives or ctx is done.
func (r *Request) Wait(ctx context.Context) (Response, error) {
	select {
	case <-r.done:
		return r.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// DMResponseHandler is called with each platform response that matches a pending request.
type DMResponseHandler func(Response)

// DeviceAction is a reboot or factory reset request from the platform.
type DeviceAction struct {
	ReqID string

	// Action is the last segment of the request topic, "reboot" or "factory_reset".
	Action       string
	FactoryReset bool

	// Payload is only valid until the handler returns.
	Payload []byte
}

// DeviceActionHandler handles a reboot or factory reset. It should report the outcome
// with RespondDeviceAction.
type DeviceActionHandler func(DeviceAction)

// FirmwareHandler is called when the platform initiates a firmware download or update.
// It receives the device's firmware record at the time of the request.
type FirmwareHandler func(Firmware)

// ManagedDevice takes part in the platform's device management protocol on behalf of a
// device client. Create it with NewManagedDevice before calling Manage.
type ManagedDevice struct {
	client *Client
	logger zerolog.Logger

	mu         sync.Mutex
	managed    bool
	observe    bool
	firmware   Firmware
	location   Location
	deviceInfo DeviceInfo
	metadata   map[string]interface{}
	action     DeviceAction
	pending    map[string]*Request

	// lastReqID is the reqId of the most recent platform-initiated request.
	lastReqID string

	onResponse         DMResponseHandler
	onReboot           DeviceActionHandler
	onFactoryReset     DeviceActionHandler
	onFirmwareDownload FirmwareHandler
	onFirmwareUpdate   FirmwareHandler
}

// NewManagedDevice attaches a ManagedDevice to c. Device management messages received
// by c are handled by the returned ManagedDevice, replacing any earlier one.
func NewManagedDevice(c *Client) *ManagedDevice {
	d := &ManagedDevice{
		client:  c,
		logger:  c.logger.With().Str("component", "dm").Logger(),
		pending: make(map[string]*Request),
	}

	c.mu.Lock()
	c.dm = d
	c.mu.Unlock()

	return d
}

// SetDeviceInfo sets the device information sent with Manage.
func (d *ManagedDevice) SetDeviceInfo(info DeviceInfo) {
	d.mu.Lock()
	d.deviceInfo = info
	d.mu.Unlock()
}

// SetMetadata sets the metadata sent with Manage.
func (d *ManagedDevice) SetMetadata(metadata map[string]interface{}) {
	d.mu.Lock()
	d.metadata = metadata
	d.mu.Unlock()
}

// SetDMResponseHandler sets the handler for platform responses to device requests.
func (d *ManagedDevice) SetDMResponseHandler(h DMResponseHandler) {
	d.mu.Lock()
	d.onResponse = h
	d.mu.Unlock()
}

// SetRebootHandler sets the handler for reboot requests. Without one, reboot requests
// are answered with RCNotSupported.
func (d *ManagedDevice) SetRebootHandler(h DeviceActionHandler) {
	d.mu.Lock()
	d.onReboot = h
	d.mu.Unlock()
}

// SetFactoryResetHandler sets the handler for factory reset requests. Without one,
// factory reset requests are answered with RCNotSupported.
func (d *ManagedDevice) SetFactoryResetHandler(h DeviceActionHandler) {
	d.mu.Lock()
	d.onFactoryReset = h
	d.mu.Unlock()
}

// SetFirmwareDownloadHandler sets the hook called when a firmware download is accepted.
// The hook should advance the download state with ChangeFirmwareDownloadState.
func (d *ManagedDevice) SetFirmwareDownloadHandler(h FirmwareHandler) {
	d.mu.Lock()
	d.onFirmwareDownload = h
	d.mu.Unlock()
}

// SetFirmwareUpdateHandler sets the hook called when a firmware update is accepted.
func (d *ManagedDevice) SetFirmwareUpdateHandler(h FirmwareHandler) {
	d.mu.Lock()
	d.onFirmwareUpdate = h
	d.mu.Unlock()
}

type manageSupports struct {
	DeviceActions   bool `json:"deviceActions"`
	FirmwareActions bool `json:"firmwareActions"`
}

type manageData struct {
	Lifetime   int64                  `json:"lifetime"`
	Supports   manageSupports         `json:"supports"`
	DeviceInfo DeviceInfo             `json:"deviceInfo"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type dmRequest struct {
	D     interface{} `json:"d,omitempty"`
	ReqID string      `json:"reqId"`
}

// Manage asks the platform to manage the device. lifetime is how long the platform
// waits for the device to call Manage again before marking it dormant; zero means
// never. Manage fails with ErrAlreadyManaged, without publishing, if the device is
// already managed.
//
// On success the device is managed, its firmware, location and observe state are reset,
// requests still awaiting a response are forgotten, and the returned Request completes
// when the platform responds.
func (d *ManagedDevice) Manage(lifetime time.Duration, supportDeviceActions, supportFirmwareActions bool) (*Request, error) {
	d.mu.Lock()
	if d.managed {
		d.mu.Unlock()
		d.logger.Error().Msg("device is already managed")
		return nil, ErrAlreadyManaged
	}
	data := manageData{
		Lifetime: int64(lifetime / time.Second),
		Supports: manageSupports{
			DeviceActions:   supportDeviceActions,
			FirmwareActions: supportFirmwareActions,
		},
		DeviceInfo: d.deviceInfo,
		Metadata:   d.metadata,
	}
	d.mu.Unlock()

	if err := d.client.Subscribe(TopicDMAll, QoS0); err != nil {
		return nil, err
	}

	req := newRequest()
	if err := d.send(TopicManage, dmRequest{D: data, ReqID: req.ID}, QoS1, req); err != nil {
		d.logger.Warn().Err(err).Msg("failed to send manage request")
		return nil, err
	}

	d.mu.Lock()
	d.managed = true
	d.resetLocked(req)
	d.mu.Unlock()

	d.logger.Info().Str("req_id", req.ID).Msg("sent manage request")
	return req, nil
}

// Unmanage tells the platform the device no longer needs to be managed. It fails with
// ErrNotManaged if the device is not managed. Requests other than the unmanage request
// itself stop being tracked.
func (d *ManagedDevice) Unmanage() (*Request, error) {
	d.mu.Lock()
	managed := d.managed
	d.mu.Unlock()

	if !managed {
		d.logger.Error().Msg("device is not managed")
		return nil, ErrNotManaged
	}

	req := newRequest()
	if err := d.send(TopicUnmanage, dmRequest{ReqID: req.ID}, QoS0, req); err != nil {
		d.logger.Warn().Err(err).Msg("failed to send unmanage request")
		return nil, err
	}

	d.mu.Lock()
	d.managed = false
	d.resetLocked(req)
	d.mu.Unlock()

	d.logger.Info().Str("req_id", req.ID).Msg("sent unmanage request")
	return req, nil
}

// UpdateLocation reports the device's location to the platform.
func (d *ManagedDevice) UpdateLocation(loc Location) (*Request, error) {
	if err := d.requireManaged(); err != nil {
		return nil, err
	}

	req := newRequest()
	if err := d.send(TopicUpdateLocation, dmRequest{D: loc, ReqID: req.ID}, QoS1, req); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.location = loc
	d.mu.Unlock()

	return req, nil
}

// resetLocked clears the device management record and forgets every pending request
// except keep. Device info and metadata are kept. d.mu must be held.
func (d *ManagedDevice) resetLocked(keep *Request) {
	d.pending = make(map[string]*Request)
	if keep != nil {
		d.pending[keep.ID] = keep
	}
	d.observe = false
	d.firmware = Firmware{}
	d.location = Location{}
	d.action = DeviceAction{}
	d.lastReqID = ""
}

func (d *ManagedDevice) requireManaged() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.managed {
		return ErrNotManaged
	}
	return nil
}

// send publishes v as JSON. If req is non-nil it is registered as pending before the
// publish so that a fast response is not lost; it is forgotten again if the publish fails.
func (d *ManagedDevice) send(topic string, v interface{}, qos QoS, req *Request) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wiotp: encoding %v payload: %w", topic, err)
	}

	if req != nil {
		d.mu.Lock()
		d.pending[req.ID] = req
		d.mu.Unlock()
	}

	if err := d.client.publishOnce(topic, payload, qos); err != nil {
		if req != nil {
			d.mu.Lock()
			delete(d.pending, req.ID)
			d.mu.Unlock()
		}
		return err
	}

	return nil
}

// ChangeFirmwareDownloadState records a new download state and, if the platform is
// observing mgmt.firmware, notifies it. States must follow Idle -> Downloading ->
// Downloaded -> Idle, with Downloading -> Idle for a failed download; other changes
// return ErrInvalidFirmwareTransition.
func (d *ManagedDevice) ChangeFirmwareDownloadState(s FirmwareState) error {
	d.mu.Lock()
	from := d.firmware.State
	if !from.canTransition(s) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v to %v", ErrInvalidFirmwareTransition, from, s)
	}
	d.firmware.State = s
	observe := d.observe
	d.mu.Unlock()

	if !observe {
		d.logger.Debug().Stringer("state", s).Msg("mgmt.firmware is not observed, not notifying")
		return nil
	}

	return d.send(TopicNotify, firmwareNotification(firmwareValue{State: s}), QoS1, nil)
}

// ChangeFirmwareUpdateState records a new update status and, if the platform is
// observing mgmt.firmware, notifies it.
func (d *ManagedDevice) ChangeFirmwareUpdateState(s FirmwareUpdateStatus) error {
	if s < UpdateSuccess || s > UpdateInvalidURI {
		return fmt.Errorf("wiotp: unknown firmware update status %d", int(s))
	}

	d.mu.Lock()
	d.firmware.UpdateStatus = s
	state := d.firmware.State
	observe := d.observe
	d.mu.Unlock()

	if !observe {
		d.logger.Debug().Stringer("update_status", s).Msg("mgmt.firmware is not observed, not notifying")
		return nil
	}

	return d.send(TopicNotify, firmwareNotification(firmwareValue{State: state, UpdateStatus: &s}), QoS1, nil)
}

// RespondDeviceAction answers a reboot or factory reset request. rc is normally
// RCAccepted, RCFailed or RCNotSupported.
func (d *ManagedDevice) RespondDeviceAction(reqID string, rc int) error {
	return d.send(TopicResponse, dmResponse{RC: rc, Message: actionMessage(rc), ReqID: reqID}, QoS1, nil)
}

func actionMessage(rc int) string {
	switch rc {
	case RCAccepted:
		return "Device action is initiated."
	case RCFailed:
		return "Device action attempt failed."
	case RCNotSupported:
		return "Device action is not supported."
	default:
		return ""
	}
}

// IsManaged reports whether the device is managed.
func (d *ManagedDevice) IsManaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.managed
}

// IsObserving reports whether the platform is observing mgmt.firmware.
func (d *ManagedDevice) IsObserving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observe
}

// Firmware returns the device's firmware record.
func (d *ManagedDevice) Firmware() Firmware {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// Location returns the last location reported by or pushed to the device.
func (d *ManagedDevice) Location() Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location
}

// CurrentAction returns the most recent reboot or factory reset request.
func (d *ManagedDevice) CurrentAction() DeviceAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.action
}

// PendingRequests returns the IDs of requests still awaiting a response.
func (d *ManagedDevice) PendingRequests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	return ids
}
