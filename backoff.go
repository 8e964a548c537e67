package wiotp

import (
	"fmt"
	"time"
)

// ReconnectDelay returns how long RetryConnect waits after the given failed attempt
// (counting from 1): 3 seconds for attempts 1 to 10, 60 seconds for attempts 11 to 20
// and 10 minutes after that.
func ReconnectDelay(attempt int) time.Duration {
	switch {
	case attempt <= 10:
		return 3 * time.Second
	case attempt <= 20:
		return 60 * time.Second
	default:
		return 600 * time.Second
	}
}

// RetryConnect calls Connect until it succeeds, sleeping ReconnectDelay between attempts.
// There is no limit on the number of attempts. Shutdown stops the loop with ErrShutdown
// and Disconnect with ErrNotConnected; both are checked before each attempt. After
// reconnecting, every subscription made through the client is restored.
func (c *Client) RetryConnect() error {
	for attempt := 1; ; attempt++ {
		if c.shutdown.Load() {
			c.logger.Info().Int("attempt", attempt).Msg("shutdown requested, abandoning reconnect")
			return ErrShutdown
		}
		if c.disconnected.Load() {
			return fmt.Errorf("%w: client was disconnected", ErrNotConnected)
		}

		c.metrics.reconnectAttempt()

		err := c.Connect()
		if err == nil {
			c.restoreSubscriptions()
			return nil
		}

		delay := ReconnectDelay(attempt)
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("reconnect failed")
		c.sleep(delay)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after a reconnect.
func (c *Client) restoreSubscriptions() {
	conn := c.transport()
	if conn == nil {
		return
	}

	for _, sub := range c.Subscriptions() {
		token := conn.Subscribe(sub.Topic, byte(sub.QoS), c.messageArrived)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Warn().Err(err).Str("topic", sub.Topic).Msg("failed to restore subscription")
		}
	}
}
