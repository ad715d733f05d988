package bridge

import "time"

// ActionKind distinguishes publish from subscribe actions.
type ActionKind int

const (
	ActionPublish ActionKind = iota
	ActionSubscribe
)

// String returns the lower-case action name.
func (k ActionKind) String() string {
	switch k {
	case ActionPublish:
		return "publish"
	case ActionSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Action is one broker operation derived from an HTTP request.
type Action struct {
	Kind    ActionKind
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Mode is the overall request mode, chosen by HTTP method.
type Mode int

const (
	ModePublish Mode = iota
	ModeSubscribe
)

// String returns the lower-case mode name.
func (m Mode) String() string {
	if m == ModeSubscribe {
		return "subscribe"
	}
	return "publish"
}

// Batch is a group of actions executed on one broker connection.
type Batch struct {
	Target  Target
	Actions []Action
}

// Request is a fully parsed and decoded bridge request. Every payload has
// already been decoded, so executing a Request performs no parsing.
type Request struct {
	Mode    Mode
	Batches []Batch

	// Timeout overrides the default subscribe wait when positive.
	Timeout time.Duration
}

// ActionCount returns the number of actions across all batches.
func (r *Request) ActionCount() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Actions)
	}
	return n
}

// Topics returns every action topic in execution order.
func (r *Request) Topics() []string {
	topics := make([]string, 0, r.ActionCount())
	for _, b := range r.Batches {
		for _, a := range b.Actions {
			topics = append(topics, a.Topic)
		}
	}
	return topics
}

// PayloadBytes returns the total size of all publish payloads.
func (r *Request) PayloadBytes() int {
	n := 0
	for _, b := range r.Batches {
		for _, a := range b.Actions {
			n += len(a.Payload)
		}
	}
	return n
}

// Message is a delivery handed back to the HTTP caller.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Outcome is the result of a successfully executed Request.
type Outcome struct {
	Mode Mode

	// Published counts acknowledged publish actions.
	Published int

	// Message is the delivery for subscribe requests.
	Message *Message
}
