package wiotp

import (
	"fmt"
	"strings"
)

// Wildcard matches any single topic level. It may be passed as the command name or
// format to the command subscription helpers.
const Wildcard = "+"

// Device management topics published by the device.
const (
	TopicManage              = "iotdevice-1/mgmt/manage"
	TopicUnmanage            = "iotdevice-1/mgmt/unmanage"
	TopicNotify              = "iotdevice-1/notify"
	TopicResponse            = "iotdevice-1/response"
	TopicUpdateLocation      = "iotdevice-1/device/update/location"
	TopicAddDiagErrorCodes   = "iotdevice-1/add/diag/errorCodes"
	TopicClearDiagErrorCodes = "iotdevice-1/clear/diag/errorCodes"
	TopicAddDiagLog          = "iotdevice-1/add/diag/log"
	TopicClearDiagLog        = "iotdevice-1/clear/diag/log"
)

// Device management topics published by the platform.
const (
	TopicDMAll              = "iotdm-1/#"
	TopicDMResponse         = "iotdm-1/response"
	TopicDMUpdate           = "iotdm-1/device/update"
	TopicDMObserve          = "iotdm-1/observe"
	TopicDMCancel           = "iotdm-1/cancel"
	TopicDMReboot           = "iotdm-1/mgmt/initiate/device/reboot"
	TopicDMFactoryReset     = "iotdm-1/mgmt/initiate/device/factory_reset"
	TopicDMFirmwareDownload = "iotdm-1/mgmt/initiate/firmware/download"
	TopicDMFirmwareUpdate   = "iotdm-1/mgmt/initiate/firmware/update"
)

const (
	dmTopicPrefix       = "iotdm-1/"
	deviceCommandPrefix = "iot-2/cmd/"
	topicSeparator      = "/"
)

// DeviceEventTopic returns the topic to which a device publishes events.
func DeviceEventTopic(eventType, format string) string {
	return fmt.Sprintf("iot-2/evt/%v/fmt/%v", eventType, format)
}

// DeviceCommandTopic returns the topic to which a device subscribes for commands.
// Either argument may be Wildcard.
func DeviceCommandTopic(commandName, format string) string {
	return fmt.Sprintf("iot-2/cmd/%v/fmt/%v", commandName, format)
}

// GatewayEventTopic returns the topic to which a gateway publishes events, either its
// own (using the gateway's type and ID) or on behalf of a connected device.
func GatewayEventTopic(typeID, id, eventType, format string) string {
	return fmt.Sprintf("iot-2/type/%v/id/%v/evt/%v/fmt/%v", typeID, id, eventType, format)
}

// GatewayCommandsTopic returns the topic matching every command sent to the gateway.
func GatewayCommandsTopic(typeID, id string) string {
	return fmt.Sprintf("iot-2/type/%v/id/%v/cmd/+/fmt/+", typeID, id)
}

// GatewayDeviceCommandTopic returns the topic a gateway subscribes to for commands
// sent to one of its devices.
func GatewayDeviceCommandTopic(deviceType, deviceID, command, format string) string {
	return fmt.Sprintf("iot-2/type/%v/id/%v/cmd/%v/fmt/%v", deviceType, deviceID, command, format)
}

// GatewayNotifyTopic returns the topic on which the platform sends gateway notifications.
func GatewayNotifyTopic(typeID, id string) string {
	return fmt.Sprintf("iot-2/type/%v/id/%v/notify", typeID, id)
}

// IsDMTopic reports whether topic belongs to the device management protocol.
func IsDMTopic(topic string) bool {
	return strings.HasPrefix(topic, dmTopicPrefix)
}

// CommandTopic holds the routing fields of an inbound command topic. Type and ID are
// empty for commands sent directly to a device.
type CommandTopic struct {
	Type   string
	ID     string
	Name   string
	Format string
}

// ParseCommandTopic extracts routing fields from an inbound command topic by segment
// position. Topics with fewer segments than expected leave the missing fields empty.
func ParseCommandTopic(topic string) CommandTopic {
	segs := strings.Split(topic, topicSeparator)
	at := func(i int) string {
		if i < len(segs) {
			return segs[i]
		}
		return ""
	}

	if strings.HasPrefix(topic, deviceCommandPrefix) {
		// iot-2/cmd/{name}/fmt/{format}
		return CommandTopic{Name: at(2), Format: at(4)}
	}

	// iot-2/type/{type}/id/{id}/cmd/{name}/fmt/{format}
	return CommandTopic{
		Type:   at(2),
		ID:     at(4),
		Name:   at(6),
		Format: at(8),
	}
}
