package wiotp

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// An Option customizes a Client. Options are applied in the order given to New.
//
// Options that change the MQTT connection (KeepAlive and WithMQTTOptions) take effect
// on the next call to Connect. For example, to set the connect
// timeout you might write:
//
//	client, err := wiotp.New(cfg, false, wiotp.WithMQTTOptions(func(opts *mqtt.ClientOptions) {
//		opts.SetConnectTimeout(10 * time.Second)
//	}))
type Option func(*Client) error

// WithLogger sets the logger used by the client and any ManagedDevice attached to it.
// The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithMetrics makes the client record its activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// KeepAlive sets the MQTT keep-alive interval. The default is 60 seconds.
func KeepAlive(d time.Duration) Option {
	return func(c *Client) error {
		c.keepAlive = d
		return nil
	}
}

// WithMQTTOptions registers a function that modifies the paho ClientOptions after the
// client has populated them and before the paho client is created.
func WithMQTTOptions(f func(*mqtt.ClientOptions)) Option {
	return func(c *Client) error {
		c.mqttOptions = append(c.mqttOptions, f)
		return nil
	}
}

// WithTransport replaces the function that creates the paho client from its options.
// It defaults to mqtt.NewClient.
func WithTransport(newClient func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(c *Client) error {
		c.newTransport = newClient
		return nil
	}
}

// WithCertRetriever sets the collaborator used to fetch client certificates from a
// secure element when the configuration enables useNXPEngine and useCertsFromSE.
func WithCertRetriever(r CertRetriever) Option {
	return func(c *Client) error {
		c.certRetriever = r
		return nil
	}
}
