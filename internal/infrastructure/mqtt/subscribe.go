package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// unsubscribeTimeout bounds the UNSUBACK wait when a cancelled Subscribe
// drops the last reference.
const unsubscribeTimeout = 5 * time.Second

// subscription is one broker-side subscription shared by every caller on
// the same topic.
type subscription struct {
	refs int

	// ready is closed once the SUBACK exchange finished; granted and err
	// are only read after that.
	ready   chan struct{}
	granted byte
	err     error
}

// Subscribe subscribes to an exact topic, sharing the broker subscription
// with any other caller already subscribed to it on this connection.
//
// Only the first caller sends SUBSCRIBE; later callers wait for the same
// SUBACK. A nil error means the caller holds one reference and must call
// Unsubscribe exactly once. On error the caller holds nothing.
//
// Returns:
//   - byte: QoS granted by the broker
//   - error: ErrSubscribeFailed wrapping the cause (refusal, timeout,
//     connection loss) or ctx.Err()
func (c *Conn) Subscribe(ctx context.Context, topic string, qos byte) (byte, error) {
	if err := ValidateTopic(topic); err != nil {
		return 0, err
	}
	if err := validateQoS(qos); err != nil {
		return 0, err
	}

	c.subMu.Lock()
	sub := c.subs[topic]
	if sub != nil {
		sub.refs++
		c.subMu.Unlock()
		return c.awaitSubscription(ctx, topic, sub)
	}

	sub = &subscription{refs: 1, ready: make(chan struct{})}
	c.subs[topic] = sub

	id, acks, err := c.writeWithID(func(id uint16) packets.ControlPacket {
		p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
		p.MessageID = id
		p.Topics = []string{topic}
		p.Qoss = []byte{qos}
		return p
	})
	if err != nil {
		delete(c.subs, topic)
		sub.err = fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
		close(sub.ready)
		c.subMu.Unlock()
		return 0, sub.err
	}
	c.subMu.Unlock()

	// The exchange is finished independently of ctx so that callers who
	// joined this subscription are not failed by this caller's cancellation.
	started := c.spawn(func() {
		granted, err := c.readSuback(id, acks)
		c.settleSubscription(topic, sub, granted, err)
	})
	if !started {
		c.releaseID(id)
		c.settleSubscription(topic, sub, 0, c.lostError())
	}

	return c.awaitSubscription(ctx, topic, sub)
}

// settleSubscription publishes the SUBACK outcome to every holder of sub.
func (c *Conn) settleSubscription(topic string, sub *subscription, granted byte, err error) {
	c.subMu.Lock()
	if err != nil {
		sub.err = fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
		if c.subs[topic] == sub {
			delete(c.subs, topic)
		}
	}
	sub.granted = granted
	close(sub.ready)
	c.subMu.Unlock()
}

// readSuback waits for the SUBACK on id and frees id once it arrived. A
// SUBACK that never came leaves id abandoned.
func (c *Conn) readSuback(id uint16, acks <-chan packets.ControlPacket) (byte, error) {
	ack, err := c.await(context.Background(), acks)
	if err != nil {
		c.abandonID(id, acks)
		return 0, err
	}
	c.releaseID(id)

	suback, ok := ack.(*packets.SubackPacket)
	if !ok {
		return 0, fmt.Errorf("%w: expected SUBACK, got %s", ErrProtocol, ack.String())
	}
	if len(suback.ReturnCodes) != 1 {
		return 0, fmt.Errorf("%w: SUBACK carries %d return codes", ErrProtocol, len(suback.ReturnCodes))
	}
	if code := suback.ReturnCodes[0]; code == subackFailure || code > maxQoS {
		return 0, fmt.Errorf("%w (code 0x%02x)", ErrSubscriptionRefused, code)
	}
	return suback.ReturnCodes[0], nil
}

// awaitSubscription waits for sub to become ready. If ctx ends first the
// caller's reference is dropped.
func (c *Conn) awaitSubscription(ctx context.Context, topic string, sub *subscription) (byte, error) {
	select {
	case <-sub.ready:
		if sub.err != nil {
			return 0, sub.err
		}
		return sub.granted, nil
	case <-ctx.Done():
		unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
		defer cancel()
		_ = c.dropRef(unsubCtx, topic, sub)
		return 0, ctx.Err()
	}
}

// Unsubscribe releases one reference on topic. UNSUBSCRIBE is sent only
// when the last reference goes away.
//
// Returns:
//   - error: ErrUnsubscribeFailed wrapping the cause, or nil
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	c.subMu.Lock()
	sub := c.subs[topic]
	c.subMu.Unlock()

	if sub == nil {
		return nil
	}
	return c.dropRef(ctx, topic, sub)
}

// dropRef decrements sub and unsubscribes when it reaches zero. The
// decision and the UNSUBSCRIBE write happen under subMu so the wire order
// always matches the reference counts.
func (c *Conn) dropRef(ctx context.Context, topic string, sub *subscription) error {
	c.subMu.Lock()
	if c.subs[topic] != sub {
		// The subscription already failed and was removed.
		c.subMu.Unlock()
		return nil
	}
	sub.refs--
	if sub.refs > 0 {
		c.subMu.Unlock()
		return nil
	}
	delete(c.subs, topic)

	if c.IsClosed() {
		c.subMu.Unlock()
		return nil
	}

	id, acks, err := c.writeWithID(func(id uint16) packets.ControlPacket {
		p := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
		p.MessageID = id
		p.Topics = []string{topic}
		return p
	})
	c.subMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	ack, err := c.await(ctx, acks)
	if err != nil {
		c.abandonID(id, acks)
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	c.releaseID(id)
	if _, ok := ack.(*packets.UnsubackPacket); !ok {
		return fmt.Errorf("%w: %w: expected UNSUBACK, got %s", ErrUnsubscribeFailed, ErrProtocol, ack.String())
	}
	return nil
}

// HasSubscription reports whether a broker subscription on topic is held.
func (c *Conn) HasSubscription(topic string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

// SubscriptionCount reports how many distinct topics are subscribed.
func (c *Conn) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}
