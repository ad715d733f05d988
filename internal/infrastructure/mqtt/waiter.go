package mqtt

import "sync"

// Message is an application message delivered by the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Waiter receives at most one Message published on an exact topic.
//
// A Waiter resolves exactly once: with the first matching Message, or with
// ErrConnectionLost if the connection goes away first. Later matches are
// ignored.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Waiter struct {
	topic string
	once  sync.Once
	done  chan struct{}
	msg   Message
	err   error
}

func newWaiter(topic string) *Waiter {
	return &Waiter{topic: topic, done: make(chan struct{})}
}

// Topic returns the exact topic this Waiter matches.
func (w *Waiter) Topic() string {
	return w.topic
}

// Done is closed once the Waiter has resolved.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Result returns the resolution. It must only be called after Done is closed.
func (w *Waiter) Result() (Message, error) {
	return w.msg, w.err
}

// resolve records the outcome if none has been recorded yet.
func (w *Waiter) resolve(msg Message, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.msg = msg
		w.err = err
		close(w.done)
		resolved = true
	})
	return resolved
}

// Watch registers a Waiter for the next Message on topic.
//
// Register the Waiter before subscribing so a delivery racing the SUBACK is
// not lost. Every Waiter must be passed to Unwatch when the caller is done
// with it, whether or not it resolved.
//
// On an already terminated connection the Waiter is returned resolved with
// ErrConnectionLost.
func (c *Conn) Watch(topic string) *Waiter {
	w := newWaiter(topic)

	c.waitMu.Lock()
	if c.closed {
		c.waitMu.Unlock()
		w.resolve(Message{}, c.lostError())
		return w
	}
	set := c.waiters[topic]
	if set == nil {
		set = make(map[*Waiter]struct{})
		c.waiters[topic] = set
	}
	set[w] = struct{}{}
	c.waitMu.Unlock()

	return w
}

// Unwatch detaches w from the connection. It is safe to call more than once.
func (c *Conn) Unwatch(w *Waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	set := c.waiters[w.topic]
	if set == nil {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(c.waiters, w.topic)
	}
}

// WaiterCount reports how many Waiters are attached.
func (c *Conn) WaiterCount() int {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	n := 0
	for _, set := range c.waiters {
		n += len(set)
	}
	return n
}

// deliver resolves every Waiter on msg.Topic with msg. Resolved Waiters are
// detached immediately since they cannot resolve again.
func (c *Conn) deliver(msg Message) {
	c.waitMu.Lock()
	set := c.waiters[msg.Topic]
	delete(c.waiters, msg.Topic)
	c.waitMu.Unlock()

	for w := range set {
		w.resolve(msg, nil)
	}
}
