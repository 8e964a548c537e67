package wiotp

// Command is a command delivered to a device or gateway. Type and ID are empty for
// commands sent directly to a device.
type Command struct {
	Type   string
	ID     string
	Name   string
	Format string

	// Payload is owned by the transport and is only valid until the handler returns.
	// Copy it to keep it.
	Payload []byte
}

// CommandHandler is called for every inbound message that is not a device management
// message. Calls for different messages may run concurrently.
type CommandHandler func(Command)

// SetCommandHandler sets the client's command handler, replacing any previous one.
// A nil handler clears it; commands that arrive without a handler are logged and dropped.
func (c *Client) SetCommandHandler(h CommandHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()

	if h != nil {
		c.logger.Info().Msg("registered command handler")
	} else {
		c.logger.Info().Msg("command handler cleared")
	}
}

func (c *Client) dispatchCommand(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		c.logger.Warn().Str("topic", topic).Msg("no command handler registered, dropping message")
		return
	}

	ct := ParseCommandTopic(topic)
	c.metrics.command()
	c.logger.Debug().Str("topic", topic).Int("payload_len", len(payload)).Msg("dispatching command")

	h(Command{
		Type:    ct.Type,
		ID:      ct.ID,
		Name:    ct.Name,
		Format:  ct.Format,
		Payload: payload,
	})
}
