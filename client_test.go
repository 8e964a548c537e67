package wiotp

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Org = QuickstartOrg

	if _, err := New(cfg, true); !errors.Is(err, ErrQuickstartNotSupported) {
		t.Errorf("got error %v, want ErrQuickstartNotSupported", err)
	}

	cfg = testConfig()
	cfg.Type = ""
	if _, err := New(cfg, false); !errors.Is(err, ErrMissingInputParam) {
		t.Errorf("got error %v, want ErrMissingInputParam", err)
	}
}

func TestConnectOptionsRegisteredOrg(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)
	opts := b.lastOptions(t)

	if len(opts.Servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(opts.Servers))
	}
	if got, want := opts.Servers[0].String(), "ssl://myorg.messaging.internetofthings.ibmcloud.com:8883"; got != want {
		t.Errorf("got server %q, want %q", got, want)
	}
	if got, want := opts.ClientID, "d:myorg:sensor:dev1"; got != want {
		t.Errorf("got client ID %q, want %q", got, want)
	}
	if opts.Username != "use-token-auth" || opts.Password != "secret" {
		t.Errorf("got credentials %q/%q, want use-token-auth/secret", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLS config not set for secure broker")
	}
	if !opts.TLSConfig.InsecureSkipVerify {
		t.Error("server verification enabled without client certificates")
	}
	if !opts.CleanSession {
		t.Error("clean session not set")
	}
	if opts.AutoReconnect {
		t.Error("paho auto reconnect enabled")
	}
	if opts.Order {
		t.Error("ordered delivery enabled, handlers that publish would block the router")
	}
	if opts.KeepAlive != 60 {
		t.Errorf("got keep-alive %d, want 60", opts.KeepAlive)
	}
	if !c.IsConnected() {
		t.Error("client not connected")
	}
}

func TestConnectOptionsQuickstart(t *testing.T) {
	cfg := Config{Org: QuickstartOrg, Type: "sensor", ID: "dev1"}
	_, b := connectedTestClient(t, cfg, false)
	opts := b.lastOptions(t)

	if got, want := opts.Servers[0].String(), "tcp://quickstart.messaging.internetofthings.ibmcloud.com:1883"; got != want {
		t.Errorf("got server %q, want %q", got, want)
	}
	if opts.Username != "" || opts.Password != "" {
		t.Errorf("got credentials %q/%q, want none", opts.Username, opts.Password)
	}
	if opts.CredentialsProvider != nil {
		t.Error("credentials provider set for quickstart")
	}
	if opts.TLSConfig != nil {
		t.Error("TLS config set for quickstart")
	}
}

func TestConnectOptionsGateway(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), true)

	if got, want := b.lastOptions(t).ClientID, "g:myorg:sensor:dev1"; got != want {
		t.Errorf("got client ID %q, want %q", got, want)
	}
	if got, want := c.ClientID(), "g:myorg:sensor:dev1"; got != want {
		t.Errorf("ClientID: got %q, want %q", got, want)
	}
	if !c.IsGateway() {
		t.Error("IsGateway returned false")
	}
}

func TestConnectOptionsOverrides(t *testing.T) {
	_, b := connectedTestClient(t, testConfig(), false,
		KeepAlive(5*time.Second),
		WithMQTTOptions(func(opts *mqtt.ClientOptions) {
			opts.SetConnectTimeout(2 * time.Second)
		}),
	)
	opts := b.lastOptions(t)

	if opts.KeepAlive != 5 {
		t.Errorf("got keep-alive %d, want 5", opts.KeepAlive)
	}
	if opts.ConnectTimeout != 2*time.Second {
		t.Errorf("got connect timeout %v, want 2s", opts.ConnectTimeout)
	}
}

func TestSetKeepAliveInterval(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)
	c.SetKeepAliveInterval(90 * time.Second)

	if got := b.lastOptions(t).KeepAlive; got != 60 {
		t.Errorf("open session changed: got keep-alive %d, want 60", got)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if got := b.lastOptions(t).KeepAlive; got != 90 {
		t.Errorf("got keep-alive %d, want 90", got)
	}
}

func TestConnectError(t *testing.T) {
	c, b := newTestClient(t, testConfig(), false)
	b.connectErrs = []error{errFakeTransport}

	err := c.Connect()
	if !errors.Is(err, ErrTransport) {
		t.Errorf("got error %v, want ErrTransport", err)
	}
	if !errors.Is(err, errFakeTransport) {
		t.Errorf("got error %v, want it to wrap the transport error", err)
	}
	if c.IsConnected() {
		t.Error("client connected after failed Connect")
	}
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 3 * time.Second},
		{10, 3 * time.Second},
		{11, 60 * time.Second},
		{20, 60 * time.Second},
		{21, 600 * time.Second},
		{100, 600 * time.Second},
	}

	for _, c := range cases {
		if got := ReconnectDelay(c.attempt); got != c.want {
			t.Errorf("ReconnectDelay(%d): got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestRetryConnect(t *testing.T) {
	c, b := newTestClient(t, testConfig(), false)
	b.connectErrs = make([]error, 11)
	for i := range b.connectErrs {
		b.connectErrs[i] = errFakeTransport
	}

	if err := c.RetryConnect(); err != nil {
		t.Fatalf("RetryConnect: unexpected error: %v", err)
	}

	if b.connects != 12 {
		t.Errorf("got %d connect attempts, want 12", b.connects)
	}
	if len(b.slept) != 11 {
		t.Fatalf("got %d sleeps, want 11", len(b.slept))
	}
	if b.slept[0] != 3*time.Second || b.slept[10] != 60*time.Second {
		t.Errorf("got delays %v, want 3s for the first ten and 60s for the eleventh", b.slept)
	}
	if !c.IsConnected() {
		t.Error("client not connected")
	}
}

func TestRetryConnectShutdown(t *testing.T) {
	c, b := newTestClient(t, testConfig(), false)
	c.Shutdown()

	if err := c.RetryConnect(); !errors.Is(err, ErrShutdown) {
		t.Errorf("got error %v, want ErrShutdown", err)
	}
	if b.connects != 0 {
		t.Errorf("got %d connect attempts after shutdown, want 0", b.connects)
	}
}

func TestRetryConnectShutdownWhileWaiting(t *testing.T) {
	c, b := newTestClient(t, testConfig(), false)
	b.connectErrs = []error{errFakeTransport, errFakeTransport}
	c.sleep = func(time.Duration) { c.Shutdown() }

	if err := c.RetryConnect(); !errors.Is(err, ErrShutdown) {
		t.Errorf("got error %v, want ErrShutdown", err)
	}
	if b.connects != 1 {
		t.Errorf("got %d connect attempts, want 1", b.connects)
	}
}

func TestPublish(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)

	if err := c.PublishEvent("status", "json", []byte(`{"temp":21}`), QoS1); err != nil {
		t.Fatalf("PublishEvent: unexpected error: %v", err)
	}

	got := b.publishes()
	if len(got) != 1 {
		t.Fatalf("got %d publishes, want 1", len(got))
	}
	if got[0].Topic != "iot-2/evt/status/fmt/json" || got[0].QoS != 1 || string(got[0].Payload) != `{"temp":21}` {
		t.Errorf("unexpected publish: %+v", got[0])
	}
}

func TestPublishInvalid(t *testing.T) {
	c, _ := connectedTestClient(t, testConfig(), false)

	if err := c.Publish("", nil, QoS0); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("got error %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("iot-2/evt/x/fmt/json", nil, QoS(3)); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("got error %v, want ErrInvalidQoS", err)
	}
}

func TestPublishRetriesOnce(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)
	b.failPublishes = 1

	if err := c.PublishEvent("status", "json", []byte("1"), QoS0); err != nil {
		t.Fatalf("PublishEvent: unexpected error: %v", err)
	}

	if b.connects != 2 {
		t.Errorf("got %d connects, want 2", b.connects)
	}
	if got := len(b.publishes()); got != 1 {
		t.Errorf("got %d publishes, want 1", got)
	}
}

func TestPublishRetryFails(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)
	b.failPublishes = 2

	err := c.PublishEvent("status", "json", []byte("1"), QoS0)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("got error %v, want ErrTransport", err)
	}
	if b.connects != 2 {
		t.Errorf("got %d connects, want 2", b.connects)
	}
}

func TestPublishAfterShutdown(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)
	b.drop()
	c.Shutdown()

	if err := c.PublishEvent("status", "json", []byte("1"), QoS0); !errors.Is(err, ErrShutdown) {
		t.Errorf("got error %v, want ErrShutdown", err)
	}
}

func TestSubscribe(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)

	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}
	if err := c.SubscribeCommand("reboot", "json", QoS1); err != nil {
		t.Fatalf("SubscribeCommand: unexpected error: %v", err)
	}
	// Resubscribing replaces the tracked QoS.
	if err := c.SubscribeCommand("reboot", "json", QoS2); err != nil {
		t.Fatalf("SubscribeCommand: unexpected error: %v", err)
	}

	want := []Subscription{
		{Topic: "iot-2/cmd/+/fmt/+", QoS: QoS0},
		{Topic: "iot-2/cmd/reboot/fmt/json", QoS: QoS2},
	}
	got := c.Subscriptions()
	if len(got) != len(want) {
		t.Fatalf("got subscriptions %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subscription %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	if n := len(b.subscriptions()); n != 3 {
		t.Errorf("got %d broker subscriptions, want 3", n)
	}
}

func TestSubscribeErrors(t *testing.T) {
	c, b := newTestClient(t, testConfig(), false)

	if err := c.SubscribeCommands(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got error %v, want ErrNotConnected", err)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	b.subscribeErr = errFakeTransport

	if err := c.SubscribeCommands(); !errors.Is(err, ErrTransport) {
		t.Errorf("got error %v, want ErrTransport", err)
	}
	if n := len(c.Subscriptions()); n != 0 {
		t.Errorf("failed subscription was tracked: %v", c.Subscriptions())
	}
}

func TestRetryConnectRestoresSubscriptions(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)

	var got []Command
	c.SetCommandHandler(func(cmd Command) {
		got = append(got, cmd)
	})
	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}

	b.drop()
	if err := c.RetryConnect(); err != nil {
		t.Fatalf("RetryConnect: unexpected error: %v", err)
	}

	if n := b.deliver("iot-2/cmd/blink/fmt/json", []byte("{}")); n != 1 {
		t.Fatalf("command delivered to %d handlers, want 1", n)
	}
	if len(got) != 1 || got[0].Name != "blink" {
		t.Errorf("got commands %+v, want one blink command", got)
	}
}

func TestDisconnect(t *testing.T) {
	c, _ := connectedTestClient(t, testConfig(), false)
	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: unexpected error: %v", err)
	}

	if c.IsConnected() {
		t.Error("client connected after Disconnect")
	}
	if n := len(c.Subscriptions()); n != 0 {
		t.Errorf("got %d subscriptions after Disconnect, want 0", n)
	}
	if c.Config().AuthToken != "" {
		t.Error("auth token kept after Disconnect")
	}
	if err := c.publishOnce("iot-2/evt/x/fmt/json", nil, QoS0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got error %v, want ErrNotConnected", err)
	}

	// A second Disconnect is harmless.
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect: unexpected error: %v", err)
	}
}

func TestUseAfterDisconnect(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: unexpected error: %v", err)
	}
	connects := b.connects

	if err := c.PublishEvent("status", "json", []byte("1"), QoS0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish: got error %v, want ErrNotConnected", err)
	}
	if err := c.RetryConnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RetryConnect: got error %v, want ErrNotConnected", err)
	}
	if err := c.Connect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect: got error %v, want ErrNotConnected", err)
	}

	if b.connects != connects {
		t.Errorf("got %d connect attempts after Disconnect, want 0", b.connects-connects)
	}
	if len(b.slept) != 0 {
		t.Errorf("slept %v after Disconnect", b.slept)
	}
	if n := len(b.publishes()); n != 0 {
		t.Errorf("got %d publishes after Disconnect, want 0", n)
	}
}

func TestCommandDispatch(t *testing.T) {
	c, b := connectedTestClient(t, testConfig(), false)

	var got []Command
	c.SetCommandHandler(func(cmd Command) {
		got = append(got, cmd)
	})
	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}

	b.deliver("iot-2/cmd/reboot/fmt/text", []byte("now"))

	want := Command{Name: "reboot", Format: "text", Payload: []byte("now")}
	if len(got) != 1 {
		t.Fatalf("got %d commands, want 1", len(got))
	}
	if got[0].Name != want.Name || got[0].Format != want.Format || got[0].Type != "" || got[0].ID != "" {
		t.Errorf("got %+v, want %+v", got[0], want)
	}
	if !bytes.Equal(got[0].Payload, want.Payload) {
		t.Errorf("got payload %q, want %q", got[0].Payload, want.Payload)
	}
}

func TestCommandWithoutHandler(t *testing.T) {
	var logs bytes.Buffer
	c, b := connectedTestClient(t, testConfig(), false, WithLogger(zerolog.New(&logs)))
	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}

	b.deliver("iot-2/cmd/reboot/fmt/text", nil)

	if !strings.Contains(logs.String(), "no command handler registered") {
		t.Errorf("dropped command not logged: %s", logs.String())
	}
}

func TestCommandHandlerPanic(t *testing.T) {
	var logs bytes.Buffer
	c, b := connectedTestClient(t, testConfig(), false, WithLogger(zerolog.New(&logs)))
	c.SetCommandHandler(func(Command) {
		panic("boom")
	})
	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}

	b.deliver("iot-2/cmd/reboot/fmt/text", nil)

	if !strings.Contains(logs.String(), "panic recovered") {
		t.Errorf("panic not logged: %s", logs.String())
	}
}

func TestGatewayOnly(t *testing.T) {
	c, _ := connectedTestClient(t, testConfig(), false)

	errs := []error{
		c.PublishGatewayEvent("status", "json", nil, QoS0),
		c.PublishDeviceEvent("sensor", "s1", "status", "json", nil, QoS0),
		c.SubscribeToGatewayCommands(),
		c.SubscribeToDeviceCommands("sensor", "s1", Wildcard, Wildcard, QoS0),
		c.SubscribeToGatewayNotification(),
	}
	for i, err := range errs {
		if !errors.Is(err, ErrNotGateway) {
			t.Errorf("call %d: got error %v, want ErrNotGateway", i, err)
		}
	}
}

func TestGateway(t *testing.T) {
	cfg := testConfig()
	cfg.Type = "gwtype"
	cfg.ID = "gw1"
	c, b := connectedTestClient(t, cfg, true)

	if err := c.PublishGatewayEvent("status", "json", []byte("1"), QoS1); err != nil {
		t.Fatalf("PublishGatewayEvent: unexpected error: %v", err)
	}
	if err := c.PublishDeviceEvent("sensor", "s1", "temp", "json", []byte("2"), QoS0); err != nil {
		t.Fatalf("PublishDeviceEvent: unexpected error: %v", err)
	}
	if err := c.SubscribeToGatewayCommands(); err != nil {
		t.Fatalf("SubscribeToGatewayCommands: unexpected error: %v", err)
	}
	if err := c.SubscribeToDeviceCommands("sensor", "s1", Wildcard, Wildcard, QoS1); err != nil {
		t.Fatalf("SubscribeToDeviceCommands: unexpected error: %v", err)
	}
	if err := c.SubscribeToGatewayNotification(); err != nil {
		t.Fatalf("SubscribeToGatewayNotification: unexpected error: %v", err)
	}

	pubs := b.publishes()
	wantTopics := []string{
		"iot-2/type/gwtype/id/gw1/evt/status/fmt/json",
		"iot-2/type/sensor/id/s1/evt/temp/fmt/json",
	}
	if len(pubs) != len(wantTopics) {
		t.Fatalf("got %d publishes, want %d", len(pubs), len(wantTopics))
	}
	for i, topic := range wantTopics {
		if pubs[i].Topic != topic {
			t.Errorf("publish %d: got topic %q, want %q", i, pubs[i].Topic, topic)
		}
	}

	wantSubs := []Subscription{
		{Topic: "iot-2/type/gwtype/id/gw1/cmd/+/fmt/+", QoS: QoS2},
		{Topic: "iot-2/type/sensor/id/s1/cmd/+/fmt/+", QoS: QoS1},
		{Topic: "iot-2/type/gwtype/id/gw1/notify", QoS: QoS2},
	}
	subs := c.Subscriptions()
	if len(subs) != len(wantSubs) {
		t.Fatalf("got subscriptions %v, want %v", subs, wantSubs)
	}
	for i := range wantSubs {
		if subs[i] != wantSubs[i] {
			t.Errorf("subscription %d: got %+v, want %+v", i, subs[i], wantSubs[i])
		}
	}

	var got []Command
	c.SetCommandHandler(func(cmd Command) {
		got = append(got, cmd)
	})
	b.deliver("iot-2/type/sensor/id/s1/cmd/blink/fmt/json", []byte("{}"))

	want := CommandTopic{Type: "sensor", ID: "s1", Name: "blink", Format: "json"}
	if len(got) != 1 {
		t.Fatalf("got %d commands, want 1", len(got))
	}
	if ct := (CommandTopic{Type: got[0].Type, ID: got[0].ID, Name: got[0].Name, Format: got[0].Format}); ct != want {
		t.Errorf("got %+v, want %+v", ct, want)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	c, b := connectedTestClient(t, testConfig(), false, WithMetrics(m))
	c.SetCommandHandler(func(Command) {})
	if err := c.SubscribeCommands(); err != nil {
		t.Fatalf("SubscribeCommands: unexpected error: %v", err)
	}

	b.failPublishes = 1
	if err := c.PublishEvent("status", "json", nil, QoS0); err != nil {
		t.Fatalf("PublishEvent: unexpected error: %v", err)
	}
	b.deliver("iot-2/cmd/reboot/fmt/text", nil)

	if got := testutil.ToFloat64(m.publishes.WithLabelValues("ok")); got != 1 {
		t.Errorf("got %v successful publishes, want 1", got)
	}
	if got := testutil.ToFloat64(m.publishes.WithLabelValues("error")); got != 1 {
		t.Errorf("got %v failed publishes, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconnectAttempts); got != 1 {
		t.Errorf("got %v reconnect attempts, want 1", got)
	}
	if got := testutil.ToFloat64(m.commands); got != 1 {
		t.Errorf("got %v commands, want 1", got)
	}
}
