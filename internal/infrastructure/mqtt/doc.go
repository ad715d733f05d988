// Package mqtt is a minimal MQTT 3.1.1 client tuned for short-lived
// request/response bridging.
//
// This package manages:
//   - Connecting over TCP or WebSocket with optional credentials
//   - Publishing with QoS 0, 1 and 2 acknowledgment flows
//   - Exact-topic subscriptions shared by reference count
//   - Demultiplexing deliveries to per-request Waiters
//   - Keepalive and connection loss detection
//
// Packets are encoded and decoded with the codec from
// github.com/eclipse/paho.mqtt.golang/packets; the session logic lives here
// because the bridge needs direct control over packet identifiers and
// subscription lifetimes, which the full paho client keeps private.
//
// # Architecture
//
// Each Conn owns one network connection, one read goroutine that dispatches
// every inbound packet, and one keepalive goroutine. All writes go through a
// single write mutex, so packets never interleave on the wire.
//
//	HTTP request goroutines → Conn (write mutex) → broker
//	broker → read loop → pending acks / Waiters
//
// # Security Considerations
//
//   - Transport is plain TCP or WebSocket; TLS schemes are not supported
//   - Passwords are sent only together with a username
//   - Options.Password is never logged
//
// # Usage
//
//	conn, err := mqtt.Dial(ctx, mqtt.Options{
//	    Network:  "tcp",
//	    Address:  "localhost:1883",
//	    ClientID: "httq-1",
//	})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	w := conn.Watch("sensors/temp")
//	defer conn.Unwatch(w)
//	if _, err := conn.Subscribe(ctx, "sensors/temp", 1); err != nil {
//	    return err
//	}
//	defer conn.Unsubscribe(context.Background(), "sensors/temp")
//
//	<-w.Done()
//	msg, err := w.Result()
package mqtt
