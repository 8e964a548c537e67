package wiotp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	fieldFirmware   = "mgmt.firmware"
	fieldLocation   = "location"
	fieldMetadata   = "metadata"
	fieldDeviceInfo = "deviceInfo"
)

// Response is the platform's answer to a device management request.
type Response struct {
	ReqID   string
	RC      int
	Message string

	// Data is the raw "d" object of the response, if any.
	Data json.RawMessage

	// Payload is a copy of the whole message.
	Payload []byte
}

// responseCode accepts rc as either a JSON number or a numeric string.
type responseCode int

func (rc *responseCode) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*rc = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("wiotp: invalid rc %s", b)
	}
	*rc = responseCode(n)
	return nil
}

type inboundResponse struct {
	ReqID   string          `json:"reqId"`
	RC      responseCode    `json:"rc"`
	Message string          `json:"message"`
	D       json.RawMessage `json:"d"`
}

type inboundField struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// inboundRequest is a platform-initiated request: {"reqId":…,"d":{"fields":[…]}}.
type inboundRequest struct {
	ReqID string `json:"reqId"`
	D     struct {
		Fields []inboundField `json:"fields"`
	} `json:"d"`
}

type outboundField struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

type fieldList struct {
	Fields []outboundField `json:"fields"`
}

type notification struct {
	D fieldList `json:"d"`
}

type firmwareValue struct {
	State        FirmwareState         `json:"state"`
	UpdateStatus *FirmwareUpdateStatus `json:"updateStatus,omitempty"`
}

func firmwareNotification(v firmwareValue) notification {
	return notification{D: fieldList{Fields: []outboundField{{Field: fieldFirmware, Value: v}}}}
}

type dmResponse struct {
	RC      int        `json:"rc"`
	Message string     `json:"message,omitempty"`
	ReqID   string     `json:"reqId"`
	D       *fieldList `json:"d,omitempty"`
}

// handleMessage dispatches a message received on an iotdm-1/ topic. Topics are matched
// exactly; unknown ones are logged and ignored.
func (d *ManagedDevice) handleMessage(topic string, payload []byte) {
	d.client.metrics.dmMessage(topic)
	d.logger.Debug().Str("topic", topic).Int("payload_len", len(payload)).Msg("device management message")

	switch topic {
	case TopicDMResponse:
		d.handleResponse(payload)
	case TopicDMUpdate:
		d.handleUpdate(payload)
	case TopicDMObserve:
		d.handleObserve(payload)
	case TopicDMCancel:
		d.handleCancel(payload)
	case TopicDMReboot:
		d.handleAction(topic, payload, false)
	case TopicDMFactoryReset:
		d.handleAction(topic, payload, true)
	case TopicDMFirmwareDownload:
		d.handleFirmwareDownload(payload)
	case TopicDMFirmwareUpdate:
		d.handleFirmwareUpdate(payload)
	default:
		d.logger.Debug().Str("topic", topic).Msg("unhandled device management topic")
	}
}

// handleResponse completes the pending request named by the response's reqId. Responses
// for unknown or already completed requests are dropped.
func (d *ManagedDevice) handleResponse(payload []byte) {
	var in inboundResponse
	if err := json.Unmarshal(payload, &in); err != nil {
		d.logger.Warn().Err(err).Msg("malformed device management response")
		return
	}

	d.mu.Lock()
	req, ok := d.pending[in.ReqID]
	if ok {
		delete(d.pending, in.ReqID)
	}
	h := d.onResponse
	d.mu.Unlock()

	if !ok {
		d.client.metrics.droppedResponse()
		d.logger.Debug().Err(ErrCorrelationMismatch).Str("req_id", in.ReqID).Int("rc", int(in.RC)).Msg("dropping response")
		return
	}

	resp := Response{
		ReqID:   in.ReqID,
		RC:      int(in.RC),
		Message: in.Message,
		Data:    in.D,
		Payload: append([]byte(nil), payload...),
	}
	req.resp = resp
	close(req.done)

	d.logger.Info().Str("req_id", resp.ReqID).Int("rc", resp.RC).Msg("device management response")

	if h != nil {
		h(resp)
	}
}

// parseRequest decodes a platform-initiated request and records its reqId. If the
// payload has no reqId the previous one is returned.
func (d *ManagedDevice) parseRequest(payload []byte) (inboundRequest, error) {
	var req inboundRequest
	err := json.Unmarshal(payload, &req)

	d.mu.Lock()
	if req.ReqID != "" {
		d.lastReqID = req.ReqID
	} else {
		req.ReqID = d.lastReqID
	}
	d.mu.Unlock()

	return req, err
}

func (d *ManagedDevice) respond(reqID string, rc int, data *fieldList) {
	if err := d.send(TopicResponse, dmResponse{RC: rc, ReqID: reqID, D: data}, QoS1, nil); err != nil {
		d.logger.Warn().Err(err).Str("req_id", reqID).Int("rc", rc).Msg("failed to send response")
	}
}

func (d *ManagedDevice) handleUpdate(payload []byte) {
	req, err := d.parseRequest(payload)
	if err != nil {
		d.logger.Warn().Err(err).Msg("malformed update request")
		return
	}

	for _, f := range req.D.Fields {
		switch f.Field {
		case fieldLocation:
			d.updateLocation(req.ReqID, f.Value)
		case fieldFirmware:
			d.updateFirmware(req.ReqID, f.Value)
		case fieldMetadata, fieldDeviceInfo:
			d.logger.Debug().Str("field", f.Field).Msg("update of field not supported")
		default:
			d.logger.Debug().Str("field", f.Field).Msg("ignoring update of unknown field")
		}
	}
}

// updateLocation stores a location pushed by the platform and echoes it back on the
// location topic.
func (d *ManagedDevice) updateLocation(reqID string, value json.RawMessage) {
	var loc Location
	if err := json.Unmarshal(value, &loc); err != nil {
		d.logger.Warn().Err(err).Msg("malformed location value")
		return
	}

	d.mu.Lock()
	d.location = loc
	d.mu.Unlock()

	if err := d.send(TopicUpdateLocation, dmRequest{D: loc, ReqID: reqID}, QoS1, nil); err != nil {
		d.logger.Warn().Err(err).Msg("failed to publish location")
	}
}

// updateFirmware replaces the firmware record with the one pushed by the platform.
func (d *ManagedDevice) updateFirmware(reqID string, value json.RawMessage) {
	var fw Firmware
	if err := json.Unmarshal(value, &fw); err != nil {
		d.logger.Warn().Err(err).Msg("malformed mgmt.firmware value")
		return
	}

	d.mu.Lock()
	d.firmware = fw
	d.mu.Unlock()

	d.logger.Debug().
		Str("version", fw.Version).
		Str("uri", fw.URI).
		Stringer("state", fw.State).
		Msg("firmware record updated")

	d.respond(reqID, RCUpdateSuccess, nil)
}

// handleObserve starts observation of mgmt.firmware. The reply always reports state 0
// and update status 0 rather than the current firmware record.
func (d *ManagedDevice) handleObserve(payload []byte) {
	req, err := d.parseRequest(payload)
	if err != nil {
		d.logger.Debug().Err(err).Msg("observe request without a valid body")
	}

	d.mu.Lock()
	d.observe = true
	d.mu.Unlock()

	status := UpdateSuccess
	snapshot := &fieldList{Fields: []outboundField{{
		Field: fieldFirmware,
		Value: firmwareValue{State: FirmwareIdle, UpdateStatus: &status},
	}}}
	d.respond(req.ReqID, RCSuccess, snapshot)
}

func (d *ManagedDevice) handleCancel(payload []byte) {
	req, err := d.parseRequest(payload)
	if err != nil {
		d.logger.Warn().Err(err).Msg("malformed cancel request")
		return
	}

	for _, f := range req.D.Fields {
		if f.Field != fieldFirmware {
			continue
		}

		d.mu.Lock()
		d.observe = false
		d.mu.Unlock()

		d.respond(req.ReqID, RCSuccess, nil)
	}
}

// handleAction passes a reboot or factory reset request to its handler. Without a
// handler the request is answered with RCNotSupported.
func (d *ManagedDevice) handleAction(topic string, payload []byte, factoryReset bool) {
	req, err := d.parseRequest(payload)
	if err != nil {
		d.logger.Warn().Err(err).Str("topic", topic).Msg("malformed device action request")
		return
	}

	action := DeviceAction{
		ReqID:        req.ReqID,
		Action:       topic[strings.LastIndex(topic, topicSeparator)+1:],
		FactoryReset: factoryReset,
	}

	d.mu.Lock()
	d.action = action
	h := d.onReboot
	if factoryReset {
		h = d.onFactoryReset
	}
	d.mu.Unlock()

	d.logger.Info().Str("req_id", action.ReqID).Str("action", action.Action).Msg("device action requested")

	if h == nil {
		d.logger.Info().Str("action", action.Action).Msg("no handler registered for device action")
		if err := d.RespondDeviceAction(action.ReqID, RCNotSupported); err != nil {
			d.logger.Warn().Err(err).Msg("failed to send device action response")
		}
		return
	}

	action.Payload = payload
	h(action)
}

// handleFirmwareDownload accepts a download only when the firmware state is idle. The
// state itself is advanced by the download hook.
func (d *ManagedDevice) handleFirmwareDownload(payload []byte) {
	req, err := d.parseRequest(payload)
	if err != nil {
		d.logger.Debug().Err(err).Msg("firmware download request without a valid body")
	}

	d.mu.Lock()
	fw := d.firmware
	h := d.onFirmwareDownload
	d.mu.Unlock()

	if fw.State != FirmwareIdle {
		d.logger.Debug().Stringer("state", fw.State).Msg("cannot download firmware, device is not idle")
		d.respond(req.ReqID, RCBadRequest, nil)
		return
	}

	d.logger.Debug().Msg("firmware download initiated")
	d.respond(req.ReqID, RCAccepted, nil)

	if h == nil {
		d.logger.Error().Msg("firmware download handler is not set")
		return
	}
	h(fw)
}

// handleFirmwareUpdate accepts an update only when the firmware has been downloaded.
func (d *ManagedDevice) handleFirmwareUpdate(payload []byte) {
	req, err := d.parseRequest(payload)
	if err != nil {
		d.logger.Debug().Err(err).Msg("firmware update request without a valid body")
	}

	d.mu.Lock()
	fw := d.firmware
	h := d.onFirmwareUpdate
	d.mu.Unlock()

	if fw.State != FirmwareDownloaded {
		d.logger.Debug().Stringer("state", fw.State).Msg("cannot update firmware, download not complete")
		d.respond(req.ReqID, RCBadRequest, nil)
		return
	}

	d.logger.Debug().Msg("firmware update initiated")
	d.respond(req.ReqID, RCAccepted, nil)

	if h == nil {
		d.logger.Error().Msg("firmware update handler is not set")
		return
	}
	h(fw)
}
