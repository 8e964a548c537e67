package wiotp

func (c *Client) requireGateway() error {
	if !c.gateway {
		return ErrNotGateway
	}
	return nil
}

// gatewayIdentity returns the gateway's own type and ID.
func (c *Client) gatewayIdentity() (typeID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Type, c.cfg.ID
}

// PublishGatewayEvent publishes an event from the gateway itself.
func (c *Client) PublishGatewayEvent(eventType, format string, data []byte, qos QoS) error {
	if err := c.requireGateway(); err != nil {
		return err
	}
	typeID, id := c.gatewayIdentity()
	return c.Publish(GatewayEventTopic(typeID, id, eventType, format), data, qos)
}

// PublishDeviceEvent publishes an event on behalf of a device connected to the gateway.
func (c *Client) PublishDeviceEvent(deviceType, deviceID, eventType, format string, data []byte, qos QoS) error {
	if err := c.requireGateway(); err != nil {
		return err
	}
	return c.Publish(GatewayEventTopic(deviceType, deviceID, eventType, format), data, qos)
}

// SubscribeToGatewayCommands subscribes at QoS 2 to every command sent to the gateway.
func (c *Client) SubscribeToGatewayCommands() error {
	if err := c.requireGateway(); err != nil {
		return err
	}
	typeID, id := c.gatewayIdentity()
	return c.Subscribe(GatewayCommandsTopic(typeID, id), QoS2)
}

// SubscribeToDeviceCommands subscribes to commands sent to a device connected to the
// gateway. command and format may be Wildcard.
func (c *Client) SubscribeToDeviceCommands(deviceType, deviceID, command, format string, qos QoS) error {
	if err := c.requireGateway(); err != nil {
		return err
	}
	return c.Subscribe(GatewayDeviceCommandTopic(deviceType, deviceID, command, format), qos)
}

// SubscribeToGatewayNotification subscribes at QoS 2 to notifications for the gateway.
func (c *Client) SubscribeToGatewayNotification() error {
	if err := c.requireGateway(); err != nil {
		return err
	}
	typeID, id := c.gatewayIdentity()
	return c.Subscribe(GatewayNotifyTopic(typeID, id), QoS2)
}
