package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the transport cannot be opened or
	// the CONNECT handshake does not complete.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionRefused is returned when the broker answers CONNECT with a
	// non-zero CONNACK return code (bad credentials, not authorised, ...).
	ErrConnectionRefused = errors.New("mqtt: connection refused")

	// ErrConnectionLost is returned for operations interrupted by the
	// connection going away.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrClosed is the cause recorded when Close was called locally.
	ErrClosed = errors.New("mqtt: connection closed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrSubscriptionRefused is returned when the broker answers SUBSCRIBE
	// with the failure return code.
	ErrSubscriptionRefused = errors.New("mqtt: subscription refused")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or wildcard topic is provided.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrTimeout is returned when an acknowledgment does not arrive in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrNoPacketIDs is returned when all 65535 packet identifiers are in flight.
	ErrNoPacketIDs = errors.New("mqtt: no free packet identifiers")

	// ErrProtocol is returned when the broker sends an unexpected packet.
	ErrProtocol = errors.New("mqtt: protocol violation")
)
