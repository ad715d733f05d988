package mqtt

import (
	"context"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// maxRemainingLength is the largest MQTT remaining length (four varint bytes).
const maxRemainingLength = 268435455

// Publish sends a message to the specified MQTT topic and waits for the
// acknowledgment flow its QoS requires.
//
// Parameters:
//   - ctx: Cancels the acknowledgment wait
//   - topic: Exact topic to publish to
//   - payload: Message payload, passed through untouched
//   - qos: Quality of Service level (0, 1, or 2)
//   - retain: Whether the broker should retain the message
//
// QoS Levels:
//   - 0: Returns once the packet is written
//   - 1: Waits for PUBACK
//   - 2: Waits for PUBREC, sends PUBREL, waits for PUBCOMP
//
// Returns:
//   - error: nil on success, or ErrPublishFailed wrapping the cause
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if err := validateQoS(qos); err != nil {
		return err
	}
	// topic length prefix + topic + packet id
	if size := 2 + len(topic) + 2 + len(payload); size > maxRemainingLength {
		return fmt.Errorf("%w: packet size %d exceeds maximum %d bytes", ErrPublishFailed, size, maxRemainingLength)
	}

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = payload
	pub.Qos = qos
	pub.Retain = retain

	if qos == 0 {
		if err := c.write(pub); err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		return nil
	}

	id, acks, err := c.writeWithID(func(id uint16) packets.ControlPacket {
		pub.MessageID = id
		return pub
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	// Until the flow completes the broker may still acknowledge id, so an
	// exchange cut short keeps it reserved.
	settled := false
	defer func() {
		if settled {
			c.releaseID(id)
		} else {
			c.abandonID(id, acks)
		}
	}()

	ack, err := c.await(ctx, acks)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if qos == 1 {
		settled = true
		if _, ok := ack.(*packets.PubackPacket); !ok {
			return fmt.Errorf("%w: %w: expected PUBACK, got %s", ErrPublishFailed, ErrProtocol, ack.String())
		}
		return nil
	}

	if _, ok := ack.(*packets.PubrecPacket); !ok {
		settled = true
		return fmt.Errorf("%w: %w: expected PUBREC, got %s", ErrPublishFailed, ErrProtocol, ack.String())
	}

	if err := c.sendPubrel(id); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	comp, err := c.await(ctx, acks)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	settled = true
	if _, ok := comp.(*packets.PubcompPacket); !ok {
		return fmt.Errorf("%w: %w: expected PUBCOMP, got %s", ErrPublishFailed, ErrProtocol, comp.String())
	}
	return nil
}
