package wiotp

import "fmt"

// Ports used by the platform's MQTT brokers.
const (
	QuickstartPort = 1883
	SecurePort     = 8883
)

// DefaultDomain is the platform domain used when the configuration names none.
const DefaultDomain = "internetofthings.ibmcloud.com"

// MQTTBroker represents an MQTT server.
type MQTTBroker struct {
	Host string
	Port int

	// Quickstart marks the unauthenticated quickstart endpoint, the only one reached
	// without TLS.
	Quickstart bool
}

// BrokerFor returns the messaging endpoint of an organization: {org}.messaging.{domain}
// on port 1883 for quickstart and 8883 for every other organization.
func BrokerFor(org, domain string) MQTTBroker {
	if domain == "" {
		domain = DefaultDomain
	}
	b := MQTTBroker{
		Host: fmt.Sprintf("%v.messaging.%v", org, domain),
		Port: SecurePort,
	}
	if org == QuickstartOrg {
		b.Port = QuickstartPort
		b.Quickstart = true
	}
	return b
}

// Secure reports whether connections to the broker use TLS.
func (b *MQTTBroker) Secure() bool {
	return !b.Quickstart
}

// URL returns the URL of the MQTT server.
func (b *MQTTBroker) URL() string {
	scheme := "ssl"
	if !b.Secure() {
		scheme = "tcp"
	}
	return fmt.Sprintf("%v://%v:%v", scheme, b.Host, b.Port)
}

// String returns a string representation of the MQTTBroker.
func (b *MQTTBroker) String() string {
	return b.URL()
}
