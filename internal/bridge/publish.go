package bridge

import (
	"context"
	"errors"
)

// PublishConn is the part of a broker session the publish executor uses.
type PublishConn interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// QoS2Mode selects how qos 2 publishes go out on the wire.
type QoS2Mode string

const (
	// QoS2ExactlyOnce runs the full PUBREC/PUBREL/PUBCOMP exchange.
	QoS2ExactlyOnce QoS2Mode = "exactly_once"

	// QoS2AtLeastOnce downgrades qos 2 publishes to qos 1.
	QoS2AtLeastOnce QoS2Mode = "at_least_once"
)

// wireQoS returns the qos actually sent for a requested level.
func (m QoS2Mode) wireQoS(qos byte) byte {
	if qos == 2 && m == QoS2AtLeastOnce {
		return 1
	}
	return qos
}

// publishAll sends actions in order and stops at the first failure.
//
// offset is the global index of actions[0], so errors carry the position
// of the failing action across the whole request. Acknowledged actions are
// not rolled back.
//
// Returns:
//   - int: Number of acknowledged actions
//   - error: *Error of kind KindPublishFailed or KindCancelled
func publishAll(ctx context.Context, conn PublishConn, actions []Action, offset int, mode QoS2Mode) (int, error) {
	for i, a := range actions {
		if err := conn.Publish(ctx, a.Topic, a.Payload, mode.wireQoS(a.QoS), a.Retain); err != nil {
			return i, publishError(ctx, offset+i, err)
		}
	}
	return len(actions), nil
}

func publishError(ctx context.Context, index int, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return newError(KindCancelled, index, err)
	}
	return newError(KindPublishFailed, index, err)
}
