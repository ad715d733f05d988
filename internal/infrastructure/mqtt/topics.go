package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxTopicLength is the largest topic the two-byte length prefix can carry.
const maxTopicLength = 65535

// ValidateTopic checks that topic can be used for an exact-match publish or
// subscribe.
//
// Returns ErrInvalidTopic (wrapped with the reason) when the topic is empty,
// too long, not valid UTF-8, contains a NUL character, or contains the
// wildcard characters '+' or '#'.
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	case len(topic) > maxTopicLength:
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	case !utf8.ValidString(topic):
		return fmt.Errorf("%w: topic is not valid UTF-8", ErrInvalidTopic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("%w: wildcards are not supported in %q", ErrInvalidTopic, topic)
	}
	return nil
}

// validateQoS rejects QoS levels outside 0..2.
func validateQoS(qos byte) error {
	if qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	return nil
}
