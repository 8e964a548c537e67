package wiotp

import "time"

// LogSeverity is the severity of a diagnostic log entry.
type LogSeverity int

// Diagnostic log severities.
const (
	SeverityInfo LogSeverity = iota
	SeverityWarning
	SeverityError
)

// LogEntry is a diagnostic log entry sent with AddLog.
type LogEntry struct {
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Data      string      `json:"data,omitempty"`
	Severity  LogSeverity `json:"severity"`
}

type errorCode struct {
	ErrorCode int `json:"errorCode"`
}

// AddErrorCode appends an error code to the device's diagnostics.
func (d *ManagedDevice) AddErrorCode(code int) (*Request, error) {
	return d.diag(TopicAddDiagErrorCodes, errorCode{ErrorCode: code})
}

// ClearErrorCodes clears the device's diagnostic error codes.
func (d *ManagedDevice) ClearErrorCodes() (*Request, error) {
	return d.diag(TopicClearDiagErrorCodes, nil)
}

// AddLog appends an entry to the device's diagnostic log. An empty timestamp is set to
// the current time.
func (d *ManagedDevice) AddLog(entry LogEntry) (*Request, error) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return d.diag(TopicAddDiagLog, entry)
}

// ClearLogs clears the device's diagnostic log.
func (d *ManagedDevice) ClearLogs() (*Request, error) {
	return d.diag(TopicClearDiagLog, nil)
}

func (d *ManagedDevice) diag(topic string, data interface{}) (*Request, error) {
	if err := d.requireManaged(); err != nil {
		return nil, err
	}

	req := newRequest()
	if err := d.send(topic, dmRequest{D: data, ReqID: req.ID}, QoS1, req); err != nil {
		return nil, err
	}
	return req, nil
}
