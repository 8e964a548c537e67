package wiotp

import "fmt"

// QoS is an MQTT quality of service level.
type QoS byte

// QoS levels.
const (
	QoS0 QoS = iota // at most once
	QoS1            // at least once
	QoS2            // exactly once
)

// Subscription is a topic filter the client has subscribed to.
type Subscription struct {
	Topic string
	QoS   QoS
}

func validateTopic(topic string, qos QoS) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > QoS2 {
		return ErrInvalidQoS
	}
	return nil
}

// Publish sends payload to topic. If the attempt fails, Publish blocks in RetryConnect
// until the session is re-established and then tries exactly once more. It returns
// ErrShutdown if Shutdown abandons the reconnect and ErrNotConnected after Disconnect.
func (c *Client) Publish(topic string, payload []byte, qos QoS) error {
	if err := validateTopic(topic, qos); err != nil {
		return err
	}

	err := c.publishOnce(topic, payload, qos)
	if err == nil {
		return nil
	}

	c.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed, reconnecting")
	if err := c.RetryConnect(); err != nil {
		return err
	}

	return c.publishOnce(topic, payload, qos)
}

// publishOnce makes a single publish attempt without reconnecting.
func (c *Client) publishOnce(topic string, payload []byte, qos QoS) error {
	conn := c.transport()
	if conn == nil {
		c.metrics.publish(false)
		return ErrNotConnected
	}

	c.logger.Debug().Str("topic", topic).Uint8("qos", uint8(qos)).Int("payload_len", len(payload)).Msg("publishing")

	token := conn.Publish(topic, byte(qos), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.metrics.publish(false)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	c.metrics.publish(true)
	return nil
}

// PublishEvent publishes a device event on iot-2/evt/{eventType}/fmt/{format}.
func (c *Client) PublishEvent(eventType, format string, data []byte, qos QoS) error {
	return c.Publish(DeviceEventTopic(eventType, format), data, qos)
}

// Subscribe subscribes to topic. The subscription is recorded so it can be restored by
// RetryConnect; Disconnect forgets it.
func (c *Client) Subscribe(topic string, qos QoS) error {
	if err := validateTopic(topic, qos); err != nil {
		return err
	}

	conn := c.transport()
	if conn == nil {
		return ErrNotConnected
	}

	token := conn.Subscribe(topic, byte(qos), c.messageArrived)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	c.mu.Lock()
	c.trackSubscription(Subscription{Topic: topic, QoS: qos})
	c.mu.Unlock()

	c.logger.Debug().Str("topic", topic).Uint8("qos", uint8(qos)).Msg("subscribed")
	return nil
}

// trackSubscription records sub, replacing an earlier subscription to the same topic.
// c.mu must be held.
func (c *Client) trackSubscription(sub Subscription) {
	for i := range c.subs {
		if c.subs[i].Topic == sub.Topic {
			c.subs[i] = sub
			return
		}
	}
	c.subs = append(c.subs, sub)
}

// Subscriptions returns the client's subscriptions in the order they were made.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := make([]Subscription, len(c.subs))
	copy(subs, c.subs)
	return subs
}

// SubscribeCommand subscribes to a device command. Either argument may be Wildcard.
func (c *Client) SubscribeCommand(commandName, format string, qos QoS) error {
	return c.Subscribe(DeviceCommandTopic(commandName, format), qos)
}

// SubscribeCommands subscribes to every command sent to the device.
func (c *Client) SubscribeCommands() error {
	return c.SubscribeCommand(Wildcard, Wildcard, QoS0)
}
