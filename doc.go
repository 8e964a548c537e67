// Package wiotp connects devices and gateways to the Watson IoT Platform over MQTT.
// It handles configuration, TLS and authentication, and resilient reconnection. It also
// builds the platform's topics for events and commands and implements the device
// management protocol: manage/unmanage, reboot and factory reset actions, firmware
// download and update, observation of firmware state, and location updates.
package wiotp
