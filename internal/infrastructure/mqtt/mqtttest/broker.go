// Package mqtttest runs an embedded MQTT broker for tests.
//
// The broker is a mochi-mqtt server on 127.0.0.1, reachable over TCP and
// optionally WebSocket. A control hook lets tests require credentials, hold
// back CONNACK, swallow publishes without acknowledging them, refuse
// subscriptions and drop every client to simulate broker failure.
package mqtttest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/nerrad567/httq/internal/infrastructure/mqtt"
)

// pollInterval is how often the Wait helpers re-check broker state.
const pollInterval = 5 * time.Millisecond

// Listener names passed to the server for accepted connections.
const (
	listenerTCP = "tcp"
	listenerWS  = "ws"
)

// errDropped is the reason given to clients cut off by DisconnectAll.
var errDropped = errors.New("mqtttest: connection dropped")

// Message is a PUBLISH the broker received from a client.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	ClientID string
}

// Broker is an embedded MQTT broker listening on 127.0.0.1.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Broker struct {
	tb       testing.TB
	server   *mochi.Server
	hook     *controlHook
	listener net.Listener

	mu       sync.Mutex
	wsServer *httptest.Server
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewBroker starts a broker on a random local port. It is closed
// automatically when the test ends.
func NewBroker(tb testing.TB) *Broker {
	tb.Helper()

	hook := &controlHook{
		clients:  make(map[*mochi.Client]struct{}),
		rejected: make(map[string]bool),
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(hook, nil); err != nil {
		tb.Fatalf("mqtttest: add hook: %v", err)
	}
	if err := server.Serve(); err != nil {
		tb.Fatalf("mqtttest: serve: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = server.Close()
		tb.Fatalf("mqtttest: listen: %v", err)
	}

	b := &Broker{
		tb:       tb,
		server:   server,
		hook:     hook,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}

	b.wg.Add(1)
	go b.acceptLoop()

	tb.Cleanup(b.Close)
	return b
}

// Addr returns host:port of the TCP listener.
func (b *Broker) Addr() string {
	return b.listener.Addr().String()
}

// URL returns the tcp:// URL of the broker.
func (b *Broker) URL() string {
	return "tcp://" + b.Addr()
}

// EnableWebSocket starts a WebSocket listener serving MQTT on /mqtt and
// returns its ws:// URL.
func (b *Broker) EnableWebSocket() string {
	b.tb.Helper()

	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mqtt"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/mqtt", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.wg.Add(1)
		b.establish(listenerWS, mqtt.NewWebSocketConn(ws))
	})

	b.mu.Lock()
	b.wsServer = httptest.NewServer(mux)
	url := b.wsServer.URL
	b.mu.Unlock()

	return "ws" + strings.TrimPrefix(url, "http") + "/mqtt"
}

// RequireAuth makes the broker refuse CONNECTs that do not carry exactly
// these credentials.
func (b *Broker) RequireAuth(username, password string) {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	b.hook.requireAuth = true
	b.hook.username = username
	b.hook.password = password
}

// SilenceAcks makes the broker swallow QoS 1 and 2 publishes: they are
// recorded but neither acknowledged nor routed.
func (b *Broker) SilenceAcks(silent bool) {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	b.hook.silenceAcks = silent
}

// RejectTopic makes SUBSCRIBE to topic return the 0x80 failure code.
func (b *Broker) RejectTopic(topic string) {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	b.hook.rejected[topic] = true
}

// DelayConnack holds every CONNACK back by d.
func (b *Broker) DelayConnack(d time.Duration) {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	b.hook.connackDelay = d
}

// Publish sends a message from the broker itself and returns how many
// clients were subscribed to topic at the time.
//
// A retained message is also stored and handed to later subscribers.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retained bool) int {
	n := b.SubscriberCount(topic)
	if err := b.server.Publish(topic, payload, retained, qos); err != nil {
		b.tb.Errorf("mqtttest: publish %q: %v", topic, err)
	}
	return n
}

// Messages returns every PUBLISH received from clients, in arrival order.
func (b *Broker) Messages() []Message {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	out := make([]Message, len(b.hook.messages))
	copy(out, b.hook.messages)
	return out
}

// SubscriberCount returns how many clients are subscribed to topic.
func (b *Broker) SubscriberCount(topic string) int {
	return len(b.server.Topics.Subscribers(topic).Subscriptions)
}

// ConnectionCount returns how many clients hold an established session.
func (b *Broker) ConnectionCount() int {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	return len(b.hook.clients)
}

// Connects returns how many CONNECTs were accepted in total.
func (b *Broker) Connects() int {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	return b.hook.connects
}

// WaitForSubscribers blocks until topic has at least n subscribers.
func (b *Broker) WaitForSubscribers(topic string, n int, timeout time.Duration) error {
	return waitFor(timeout, func() bool { return b.SubscriberCount(topic) >= n },
		"%d subscribers on %q", n, topic)
}

// WaitForNoSubscribers blocks until topic has no subscribers.
func (b *Broker) WaitForNoSubscribers(topic string, timeout time.Duration) error {
	return waitFor(timeout, func() bool { return b.SubscriberCount(topic) == 0 },
		"no subscribers on %q", topic)
}

// WaitForConnections blocks until exactly n clients are connected.
func (b *Broker) WaitForConnections(n int, timeout time.Duration) error {
	return waitFor(timeout, func() bool { return b.ConnectionCount() == n },
		"%d connections", n)
}

func waitFor(timeout time.Duration, cond func() bool, format string, args ...any) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("mqtttest: timed out waiting for "+format, args...)
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// DisconnectAll drops every client connection without DISCONNECT.
func (b *Broker) DisconnectAll() {
	b.hook.mu.Lock()
	clients := make([]*mochi.Client, 0, len(b.hook.clients))
	for cl := range b.hook.clients {
		clients = append(clients, cl)
	}
	b.hook.mu.Unlock()

	for _, cl := range clients {
		cl.Stop(errDropped)
	}
}

// Close stops the listeners, drops all clients and shuts the server down.
// It is safe to call more than once.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ws := b.wsServer
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	b.wg.Wait()

	if ws != nil {
		ws.Close()
	}
	_ = b.server.Close()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go b.establish(listenerTCP, conn)
	}
}

// establish hands conn to the server for the life of the client. The
// caller has already added to b.wg.
func (b *Broker) establish(listener string, conn net.Conn) {
	defer b.wg.Done()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	_ = b.server.EstablishConnection(listener, conn)
}

// =============================================================================
// Control hook
// =============================================================================

// controlHook records traffic and injects the failures tests ask for.
type controlHook struct {
	mochi.HookBase

	mu           sync.Mutex
	clients      map[*mochi.Client]struct{}
	messages     []Message
	connects     int
	requireAuth  bool
	username     string
	password     string
	silenceAcks  bool
	rejected     map[string]bool
	connackDelay time.Duration
}

func (h *controlHook) ID() string {
	return "mqtttest-control"
}

func (h *controlHook) Provides(b byte) bool {
	switch b {
	case mochi.OnConnectAuthenticate, mochi.OnACLCheck, mochi.OnSessionEstablished,
		mochi.OnDisconnect, mochi.OnPublish:
		return true
	default:
		return false
	}
}

// OnConnectAuthenticate checks credentials. It runs before CONNACK is
// written, so sleeping here delays the CONNACK.
func (h *controlHook) OnConnectAuthenticate(_ *mochi.Client, pk packets.Packet) bool {
	h.mu.Lock()
	delay := h.connackDelay
	ok := !h.requireAuth ||
		(pk.Connect.UsernameFlag &&
			string(pk.Connect.Username) == h.username &&
			string(pk.Connect.Password) == h.password)
	h.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return ok
}

// OnACLCheck allows every publish and refuses subscriptions to rejected
// topics.
func (h *controlHook) OnACLCheck(_ *mochi.Client, topic string, write bool) bool {
	if write {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.rejected[topic]
}

func (h *controlHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[cl] = struct{}{}
	h.connects++
}

func (h *controlHook) OnDisconnect(cl *mochi.Client, _ error, _ bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, cl)
}

// OnPublish records client publishes. A rejected packet is dropped by the
// server without acknowledgment.
func (h *controlHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}

	h.mu.Lock()
	h.messages = append(h.messages, Message{
		Topic:    pk.TopicName,
		Payload:  append([]byte(nil), pk.Payload...),
		QoS:      pk.FixedHeader.Qos,
		Retained: pk.FixedHeader.Retain,
		ClientID: cl.ID,
	})
	silent := h.silenceAcks
	h.mu.Unlock()

	if silent && pk.FixedHeader.Qos > 0 {
		return pk, packets.ErrRejectPacket
	}
	return pk, nil
}
