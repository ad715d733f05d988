package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/httq/internal/infrastructure/mqtt"
)

// unsubscribeTimeout bounds the best-effort UNSUBSCRIBE after a wait ends.
const unsubscribeTimeout = 5 * time.Second

// SubscribeConn is the part of a broker session the subscribe coordinator
// uses.
type SubscribeConn interface {
	Watch(topic string) *mqtt.Waiter
	Unwatch(w *mqtt.Waiter)
	Subscribe(ctx context.Context, topic string, qos byte) (byte, error)
	Unsubscribe(ctx context.Context, topic string) error
}

// subscribeState tracks one subscribe wait for logging.
type subscribeState int

const (
	stateIdle subscribeState = iota
	stateSubscribing
	stateWaiting
	stateDelivered
	stateTimedOut
	stateCancelled
	stateError
)

func (s subscribeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSubscribing:
		return "subscribing"
	case stateWaiting:
		return "waiting"
	case stateDelivered:
		return "delivered"
	case stateTimedOut:
		return "timed_out"
	case stateCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// subscription is one wait for the next message on an exact topic.
type subscription struct {
	conn    SubscribeConn
	action  Action
	timeout time.Duration
	logger  Logger
	state   subscribeState
}

// awaitMessage subscribes to a.Topic and waits for the first message.
//
// The waiter is attached before SUBSCRIBE goes out so a delivery racing
// the SUBACK is not lost. Whatever the outcome, the waiter is detached and,
// unless the connection was lost, the subscription reference is dropped.
//
// Returns:
//   - *Message: The first message published on the topic
//   - error: *Error of kind KindSubscribeTimeout, KindCancelled,
//     KindBrokerRejected or KindBrokerUnreachable
func awaitMessage(ctx context.Context, conn SubscribeConn, a Action, timeout time.Duration, logger Logger) (*Message, error) {
	s := &subscription{conn: conn, action: a, timeout: timeout, logger: logger}
	msg, err := s.run(ctx)
	logger.Debug("subscribe wait finished", "topic", a.Topic, "state", s.state.String())
	return msg, err
}

func (s *subscription) run(ctx context.Context) (*Message, error) {
	topic := s.action.Topic

	w := s.conn.Watch(topic)
	defer s.conn.Unwatch(w)

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.state = stateSubscribing
	if _, err := s.conn.Subscribe(waitCtx, topic, s.action.QoS); err != nil {
		return nil, s.fail(ctx, err)
	}

	s.state = stateWaiting
	select {
	case <-w.Done():
		return s.resolved(ctx, w)
	case <-waitCtx.Done():
	}

	// A delivery that landed together with the deadline still wins.
	select {
	case <-w.Done():
		return s.resolved(ctx, w)
	default:
	}

	s.unsubscribe(ctx)
	if ctx.Err() != nil {
		s.state = stateCancelled
		return nil, newError(KindCancelled, NoIndex, ctx.Err())
	}
	s.state = stateTimedOut
	return nil, newError(KindSubscribeTimeout, NoIndex, ErrNoMessage)
}

// resolved handles a waiter that completed, with a message or with the
// connection loss.
func (s *subscription) resolved(ctx context.Context, w *mqtt.Waiter) (*Message, error) {
	m, err := w.Result()
	if err != nil {
		s.state = stateError
		return nil, newError(KindBrokerUnreachable, NoIndex, err)
	}
	s.unsubscribe(ctx)
	s.state = stateDelivered
	return &Message{Topic: m.Topic, Payload: m.Payload, QoS: m.QoS, Retained: m.Retained}, nil
}

// fail classifies a failed SUBSCRIBE. The connection holds no reference in
// that case, so nothing is unsubscribed.
func (s *subscription) fail(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		s.state = stateCancelled
		return newError(KindCancelled, NoIndex, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		s.state = stateTimedOut
		return newError(KindSubscribeTimeout, NoIndex, err)
	case errors.Is(err, mqtt.ErrSubscriptionRefused):
		s.state = stateError
		return newError(KindBrokerRejected, NoIndex, err)
	default:
		s.state = stateError
		return newError(KindBrokerUnreachable, NoIndex, err)
	}
}

// unsubscribe drops this wait's subscription reference on a detached
// context. Failures are logged only.
func (s *subscription) unsubscribe(ctx context.Context) {
	unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
	defer cancel()
	if err := s.conn.Unsubscribe(unsubCtx, s.action.Topic); err != nil && !errors.Is(err, mqtt.ErrConnectionLost) {
		s.logger.Warn("unsubscribe failed", "topic", s.action.Topic, "error", err)
	}
}
