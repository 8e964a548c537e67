package wiotp

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	defaultKeepAlive = 60 * time.Second

	// disconnectQuiesce is the time in milliseconds paho waits for in-flight work on
	// Disconnect.
	disconnectQuiesce = 10000
)

// Client is a device or gateway session with the platform.
//
// All methods are safe for concurrent use. paho delivers each inbound message on its own
// goroutine, so handlers may publish and may run concurrently. Device management messages
// go to the attached ManagedDevice and everything else to the command handler.
type Client struct {
	gateway bool

	logger        zerolog.Logger
	metrics       *Metrics
	mqttOptions   []func(*mqtt.ClientOptions)
	newTransport  func(*mqtt.ClientOptions) mqtt.Client
	certRetriever CertRetriever

	// sleep is called between reconnect attempts.
	sleep func(time.Duration)

	shutdown     atomic.Bool
	disconnected atomic.Bool

	// mu guards the fields below. It is never held while talking to the broker or
	// calling user handlers.
	mu         sync.Mutex
	cfg        Config
	keepAlive  time.Duration
	conn       mqtt.Client
	handler    CommandHandler
	subs       []Subscription
	dm         *ManagedDevice
	seCert     *tls.Certificate
	seResolved bool
}

// New validates cfg and returns an unconnected Client. Set gateway to create a gateway
// client; gateways cannot use quickstart.
func New(cfg Config, gateway bool, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(gateway); err != nil {
		return nil, err
	}

	c := &Client{
		gateway:      gateway,
		cfg:          cfg,
		logger:       zerolog.Nop(),
		keepAlive:    defaultKeepAlive,
		newTransport: mqtt.NewClient,
		sleep:        time.Sleep,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Config returns a copy of the client's configuration with defaults applied.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// IsGateway reports whether c is a gateway client.
func (c *Client) IsGateway() bool {
	return c.gateway
}

// ClientID returns the MQTT client ID, g:{org}:{type}:{id} or d:{org}:{type}:{id}.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ClientID(c.gateway)
}

// Connect opens a session with the broker. Each call creates a new paho client; a
// previous session that is still open is closed once the new one is established.
// Connect fails with ErrNotConnected after Disconnect.
func (c *Client) Connect() error {
	if c.disconnected.Load() {
		return fmt.Errorf("%w: client was disconnected", ErrNotConnected)
	}

	if err := c.resolveSecureElement(); err != nil {
		c.logger.Error().Err(err).Msg("failed to retrieve secure element credentials")
		return err
	}

	opts, err := c.clientOptions()
	if err != nil {
		return err
	}

	conn := c.newTransport(opts)
	token := conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Warn().Err(err).Str("client_id", opts.ClientID).Msg("connect failed")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil && old != conn && old.IsConnectionOpen() {
		old.Disconnect(0)
	}

	c.logger.Info().
		Str("client_id", opts.ClientID).
		Interface("brokers", opts.Servers).
		Bool("gateway", c.gateway).
		Msg("connected")

	return nil
}

func (c *Client) clientOptions() (*mqtt.ClientOptions, error) {
	c.mu.Lock()
	cfg := c.cfg
	seCert := c.seCert
	keepAlive := c.keepAlive
	c.mu.Unlock()

	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingInputParam)
	}

	broker := cfg.Broker()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker.URL())
	opts.SetClientID(cfg.ClientID(c.gateway))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	// Handlers answer device management requests by publishing, which blocks paho's
	// router when message order is preserved.
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(keepAlive)
	opts.SetDefaultPublishHandler(c.messageArrived)
	opts.SetConnectionLostHandler(c.connectionLost)

	if !cfg.IsQuickstart() && cfg.AuthToken != "" {
		opts.SetUsername(tokenAuthUsername)
		opts.SetPassword(cfg.AuthToken)
	}

	if broker.Secure() {
		tlsConf, err := newTLSConfig(&cfg, broker.Host, seCert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConf)
	}

	for _, f := range c.mqttOptions {
		f(opts)
	}

	return opts, nil
}

func (c *Client) connectionLost(_ mqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("connection lost")
}

// transport returns the current paho client, or nil before the first successful Connect
// and after Disconnect.
func (c *Client) transport() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SetKeepAliveInterval sets the MQTT keep-alive interval used from the next Connect on.
func (c *Client) SetKeepAliveInterval(d time.Duration) {
	c.mu.Lock()
	c.keepAlive = d
	c.mu.Unlock()
}

// IsConnected reports whether the client has an open session.
func (c *Client) IsConnected() bool {
	conn := c.transport()
	return conn != nil && conn.IsConnected()
}

// Disconnect closes the session if it is open. It always releases the subscription list
// and clears the configured credentials. The client cannot be used again: later Connect,
// RetryConnect and Publish calls return ErrNotConnected.
func (c *Client) Disconnect() error {
	c.disconnected.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	c.cfg.AuthToken = ""
	c.mu.Unlock()

	if conn != nil && conn.IsConnected() {
		conn.Disconnect(disconnectQuiesce)
		c.logger.Info().Msg("disconnected")
	}

	return nil
}

// Shutdown stops RetryConnect. A retry loop that is sleeping notices on its next
// iteration, so Shutdown can take up to the current backoff delay to take effect.
func (c *Client) Shutdown() {
	c.shutdown.Store(true)
}

// Yield sleeps for d, giving inbound message callbacks time to run.
func (c *Client) Yield(d time.Duration) {
	time.Sleep(d)
}

// messageArrived routes an inbound message by topic. It is paho's default publish
// handler and the callback for every subscription made through the client.
func (c *Client) messageArrived(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("topic", topic).Interface("panic", r).Msg("message handler panic recovered")
		}
	}()

	if IsDMTopic(topic) {
		c.mu.Lock()
		dm := c.dm
		c.mu.Unlock()

		if dm == nil {
			c.logger.Debug().Str("topic", topic).Msg("no managed device attached, dropping device management message")
			return
		}
		dm.handleMessage(topic, msg.Payload())
		return
	}

	c.dispatchCommand(topic, msg.Payload())
}
