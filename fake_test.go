package wiotp

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errFakeTransport = errors.New("fake transport failure")

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Error() error                     { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// fakeBroker stands in for the platform. Every paho client the Client creates through
// WithTransport talks to the same fakeBroker.
type fakeBroker struct {
	mu sync.Mutex

	// options passed to each created client, in order.
	options []*mqtt.ClientOptions

	// connectErrs holds results for upcoming Connect calls; nil or empty means success.
	connectErrs []error
	connects    int

	// failPublishes makes the next n publishes fail.
	failPublishes int
	subscribeErr  error

	published  []published
	subscribed []Subscription
	handlers   map[string]mqtt.MessageHandler
	current    *fakeClient

	slept []time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) newClient(opts *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.options = append(b.options, opts)
	return &fakeClient{broker: b}
}

func (b *fakeBroker) lastOptions(t *testing.T) *mqtt.ClientOptions {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.options) == 0 {
		t.Fatal("no paho client was created")
	}
	return b.options[len(b.options)-1]
}

// drop simulates a lost connection.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.connected = false
	}
}

func (b *fakeBroker) publishes() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]published, len(b.published))
	copy(out, b.published)
	return out
}

func (b *fakeBroker) publishedOn(topic string) []published {
	var out []published
	for _, p := range b.publishes() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBroker) subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Subscription, len(b.subscribed))
	copy(out, b.subscribed)
	return out
}

// deliver sends a message to every handler whose filter matches topic.
func (b *fakeBroker) deliver(topic string, payload []byte) int {
	b.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range b.handlers {
		if topicMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	client := b.current
	b.mu.Unlock()

	for _, h := range matched {
		h(client, &fakeMessage{topic: topic, payload: payload})
	}
	return len(matched)
}

func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

type fakeClient struct {
	broker    *fakeBroker
	connected bool
}

func (c *fakeClient) IsConnected() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *fakeClient) Connect() mqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connects++
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		if err != nil {
			return &fakeToken{err: err}
		}
	}

	c.connected = true
	b.current = c
	// Clean session: the broker forgets earlier subscriptions.
	b.handlers = make(map[string]mqtt.MessageHandler)
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(_ uint) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.connected {
		return &fakeToken{err: errFakeTransport}
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		return &fakeToken{err: errFakeTransport}
	}

	data, _ := payload.([]byte)
	b.published = append(b.published, published{Topic: topic, QoS: qos, Payload: append([]byte(nil), data...)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribeErr != nil {
		return &fakeToken{err: b.subscribeErr}
	}
	b.subscribed = append(b.subscribed, Subscription{Topic: topic, QoS: QoS(qos)})
	b.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, topic := range topics {
		delete(c.broker.handlers, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.handlers[topic] = callback
}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func testConfig() Config {
	return Config{
		Org:        "myorg",
		Type:       "sensor",
		ID:         "dev1",
		AuthMethod: AuthMethodToken,
		AuthToken:  "secret",
	}
}

// newTestClient returns an unconnected client wired to a fake broker. Reconnect
// sleeps are recorded instead of slept.
func newTestClient(t *testing.T, cfg Config, gateway bool, opts ...Option) (*Client, *fakeBroker) {
	t.Helper()

	b := newFakeBroker()
	opts = append([]Option{WithTransport(b.newClient)}, opts...)
	c, err := New(cfg, gateway, opts...)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	c.sleep = func(d time.Duration) {
		b.mu.Lock()
		b.slept = append(b.slept, d)
		b.mu.Unlock()
	}
	return c, b
}

func connectedTestClient(t *testing.T, cfg Config, gateway bool, opts ...Option) (*Client, *fakeBroker) {
	t.Helper()

	c, b := newTestClient(t, cfg, gateway, opts...)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	return c, b
}
