package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish hands a message to the paho client and returns as soon as it has
// been accepted into the client's outbound queue. It does not wait for the
// broker to acknowledge delivery; use PublishAsync to observe that, or
// PublishWait to block on it.
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (guaranteed delivery, may duplicate)
//   - 2: Exactly once (guaranteed, no duplicates, higher overhead)
//
// Example:
//
//	err := client.Publish("devices/esp32-a1b2c3/commands", payload, 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	_, err := c.publish(topic, payload, qos, retained)
	return err
}

// PublishAsync is Publish plus a completion callback. done runs on its own
// goroutine once the broker acknowledges the message (nil), the publish
// fails, or defaultPublishTimeout elapses. done is not called when
// PublishAsync itself returns an error.
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool, done func(error)) error {
	token, err := c.publish(topic, payload, qos, retained)
	if err != nil {
		return err
	}
	if done != nil {
		go func() {
			done(waitToken(token))
		}()
	}
	return nil
}

// PublishWait publishes and blocks until the broker acknowledges the message.
func (c *Client) PublishWait(topic string, payload []byte, qos byte, retained bool) error {
	token, err := c.publish(topic, payload, qos, retained)
	if err != nil {
		return err
	}
	return waitToken(token)
}

func (c *Client) publish(topic string, payload []byte, qos byte, retained bool) (pahomqtt.Token, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	return c.client.Publish(topic, qos, retained, payload), nil
}

func waitToken(token pahomqtt.Token) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
