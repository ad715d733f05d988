package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nerrad567/httq/internal/infrastructure/mqtt"
	"github.com/nerrad567/httq/internal/infrastructure/mqtt/mqtttest"
)

func newTestEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		SubscribeTimeout: testTimeout,
		IdleTimeout:      time.Minute,
		ConnectTimeout:   testTimeout,
		AckTimeout:       testTimeout,
		ClientIDPrefix:   "engine-test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e := New(cfg, nil)
	t.Cleanup(func() { e.Close() })
	return e
}

func publishRequest(batches ...Batch) *Request {
	return &Request{Mode: ModePublish, Batches: batches}
}

func subscribeRequest(tg Target, topic string, timeout time.Duration) *Request {
	return &Request{
		Mode:    ModeSubscribe,
		Timeout: timeout,
		Batches: []Batch{{Target: tg, Actions: []Action{{Kind: ActionSubscribe, Topic: topic}}}},
	}
}

func pub(topic, payload string, qos byte) Action {
	return Action{Kind: ActionPublish, Topic: topic, Payload: []byte(payload), QoS: qos}
}

type result struct {
	out *Outcome
	err error
}

func executeAsync(e *Engine, ctx context.Context, req *Request) <-chan result {
	ch := make(chan result, 1)
	go func() {
		out, err := e.Execute(ctx, req)
		ch <- result{out, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * testTimeout):
		t.Fatal("Execute() did not return")
		return result{}
	}
}

// pooledConn returns the live pooled connection for tg.
func pooledConn(t *testing.T, e *Engine, tg Target) *mqtt.Conn {
	t.Helper()
	var c *mqtt.Conn
	eventually(t, "pooled connection", func() bool {
		e.pool.mu.Lock()
		defer e.pool.mu.Unlock()
		if entry := e.pool.entries[tg]; entry != nil {
			c = entry.conn.(*mqtt.Conn)
		}
		return c != nil
	})
	return c
}

// =============================================================================
// Publish
// =============================================================================

func TestEngine_PublishSingle(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	out, err := e.Execute(context.Background(), publishRequest(Batch{Target: tg, Actions: []Action{pub("sensors/temp", "21.5", 1)}}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Mode != ModePublish || out.Published != 1 {
		t.Errorf("Outcome = %+v, want 1 published", out)
	}

	msgs := b.Messages()
	if len(msgs) != 1 {
		t.Fatalf("broker received %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "sensors/temp" || string(msgs[0].Payload) != "21.5" || msgs[0].QoS != 1 {
		t.Errorf("broker message = %+v", msgs[0])
	}
	if !strings.HasPrefix(msgs[0].ClientID, "engine-test-") {
		t.Errorf("client id = %q, want engine-test- prefix", msgs[0].ClientID)
	}
}

func TestEngine_PublishBatchesInOrder(t *testing.T) {
	b1 := mqtttest.NewBroker(t)
	b2 := mqtttest.NewBroker(t)
	e := newTestEngine(t)

	out, err := e.Execute(context.Background(), publishRequest(
		Batch{Target: brokerTarget(t, b1.URL()), Actions: []Action{pub("a", "1", 0), pub("b", "2", 1)}},
		Batch{Target: brokerTarget(t, b2.URL()), Actions: []Action{pub("c", "3", 2)}},
	))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Published != 3 {
		t.Errorf("Published = %d, want 3", out.Published)
	}

	if got := b1.Messages(); len(got) != 2 || got[0].Topic != "a" || got[1].Topic != "b" {
		t.Errorf("broker 1 messages = %+v, want a then b", got)
	}
	if got := b2.Messages(); len(got) != 1 || got[0].QoS != 2 {
		t.Errorf("broker 2 messages = %+v, want c at qos 2", got)
	}
}

func TestEngine_PublishFailFast(t *testing.T) {
	good := mqtttest.NewBroker(t)
	silent := mqtttest.NewBroker(t)
	silent.SilenceAcks(true)
	e := newTestEngine(t, func(c *Config) { c.AckTimeout = 100 * time.Millisecond })

	_, err := e.Execute(context.Background(), publishRequest(
		Batch{Target: brokerTarget(t, good.URL()), Actions: []Action{pub("a", "", 1), pub("b", "", 1)}},
		Batch{Target: brokerTarget(t, silent.URL()), Actions: []Action{pub("c", "", 1), pub("d", "", 1)}},
	))

	if KindOf(err) != KindPublishFailed {
		t.Fatalf("KindOf() = %v, want %v (err %v)", KindOf(err), KindPublishFailed, err)
	}
	if got := IndexOf(err); got != 2 {
		t.Errorf("IndexOf() = %d, want 2", got)
	}
	if !errors.Is(err, mqtt.ErrTimeout) {
		t.Errorf("error = %v, want wrapped ErrTimeout", err)
	}

	// Acknowledged actions stay published; later ones never go out.
	if got := len(good.Messages()); got != 2 {
		t.Errorf("first broker got %d messages, want 2", got)
	}
	if got := silent.Messages(); len(got) != 1 || got[0].Topic != "c" {
		t.Errorf("second broker messages = %+v, want only c", got)
	}
	if got := e.Stats().Published; got != 2 {
		t.Errorf("Stats().Published = %d, want 2", got)
	}
}

func TestEngine_UnreachableLaterBrokerReportsIndex(t *testing.T) {
	good := mqtttest.NewBroker(t)
	e := newTestEngine(t)

	_, err := e.Execute(context.Background(), publishRequest(
		Batch{Target: brokerTarget(t, good.URL()), Actions: []Action{pub("a", "", 0)}},
		Batch{Target: brokerTarget(t, "tcp://"+closedAddr(t)), Actions: []Action{pub("b", "", 0)}},
	))

	if KindOf(err) != KindBrokerUnreachable {
		t.Fatalf("KindOf() = %v, want %v (err %v)", KindOf(err), KindBrokerUnreachable, err)
	}
	if got := IndexOf(err); got != 1 {
		t.Errorf("IndexOf() = %d, want 1", got)
	}

	// A first batch that cannot connect is not tied to an action.
	_, err = e.Execute(context.Background(), publishRequest(
		Batch{Target: brokerTarget(t, "tcp://"+closedAddr(t)), Actions: []Action{pub("b", "", 0)}},
	))
	if got := IndexOf(err); got != NoIndex {
		t.Errorf("IndexOf() = %d, want NoIndex", got)
	}
}

func TestEngine_QoS2Modes(t *testing.T) {
	tests := []struct {
		mode QoS2Mode
		want byte
	}{
		{QoS2ExactlyOnce, 2},
		{QoS2AtLeastOnce, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			b := mqtttest.NewBroker(t)
			e := newTestEngine(t, func(c *Config) { c.QoS2Mode = tt.mode })

			_, err := e.Execute(context.Background(), publishRequest(Batch{Target: brokerTarget(t, b.URL()), Actions: []Action{pub("t", "x", 2)}}))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := b.Messages(); len(got) != 1 || got[0].QoS != tt.want {
				t.Errorf("broker messages = %+v, want qos %d", got, tt.want)
			}
		})
	}
}

func TestEngine_PublishOverWebSocket(t *testing.T) {
	b := mqtttest.NewBroker(t)
	wsURL := b.EnableWebSocket()
	e := newTestEngine(t)

	tg := brokerTarget(t, wsURL)
	if !tg.IsWebSocket() {
		t.Fatalf("target %v is not websocket", tg)
	}

	if _, err := e.Execute(context.Background(), publishRequest(Batch{Target: tg, Actions: []Action{pub("ws/topic", "hi", 1)}})); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := b.Messages(); len(got) != 1 || string(got[0].Payload) != "hi" {
		t.Errorf("broker messages = %+v", got)
	}
}

func TestEngine_BrokerRejectsCredentials(t *testing.T) {
	b := mqtttest.NewBroker(t)
	b.RequireAuth("alice", "secret")
	e := newTestEngine(t)

	tg := brokerTarget(t, b.URL()).WithCredentials("alice", "nope")
	_, err := e.Execute(context.Background(), publishRequest(Batch{Target: tg, Actions: []Action{pub("t", "", 0)}}))
	if KindOf(err) != KindBrokerRejected {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindBrokerRejected)
	}
	if got := e.Stats().Failures; got != 1 {
		t.Errorf("Stats().Failures = %d, want 1", got)
	}
}

func TestEngine_EmptyRequest(t *testing.T) {
	e := newTestEngine(t)
	for _, req := range []*Request{nil, {Mode: ModePublish}} {
		if _, err := e.Execute(context.Background(), req); KindOf(err) != KindInvalidRequest {
			t.Errorf("Execute(%+v) kind = %v, want %v", req, KindOf(err), KindInvalidRequest)
		}
	}
}

// =============================================================================
// Subscribe
// =============================================================================

func TestEngine_SubscribeDelivered(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	ch := executeAsync(e, context.Background(), subscribeRequest(tg, "devices/1/state", 0))
	if err := b.WaitForSubscribers("devices/1/state", 1, testTimeout); err != nil {
		t.Fatal(err)
	}
	b.Publish("other/topic", []byte("no"), 0, false)
	b.Publish("devices/1/state", []byte("on"), 1, false)

	r := awaitResult(t, ch)
	if r.err != nil {
		t.Fatalf("Execute() error = %v", r.err)
	}
	msg := r.out.Message
	if msg == nil || msg.Topic != "devices/1/state" || string(msg.Payload) != "on" || msg.Retained {
		t.Errorf("Message = %+v", msg)
	}

	if err := b.WaitForNoSubscribers("devices/1/state", testTimeout); err != nil {
		t.Errorf("subscription not released after delivery: %v", err)
	}
	if got := e.Stats().Delivered; got != 1 {
		t.Errorf("Stats().Delivered = %d, want 1", got)
	}
}

func TestEngine_SubscribeRetained(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	b.Publish("devices/2/state", []byte("off"), 1, true)

	r := awaitResult(t, executeAsync(e, context.Background(), subscribeRequest(tg, "devices/2/state", 0)))
	if r.err != nil {
		t.Fatalf("Execute() error = %v", r.err)
	}
	msg := r.out.Message
	if msg == nil || string(msg.Payload) != "off" || !msg.Retained {
		t.Errorf("Message = %+v, want the retained message", msg)
	}
}

func TestEngine_SubscribeTimeout(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	start := time.Now()
	_, err := e.Execute(context.Background(), subscribeRequest(tg, "quiet", 50*time.Millisecond))
	if KindOf(err) != KindSubscribeTimeout {
		t.Fatalf("KindOf() = %v, want %v (err %v)", KindOf(err), KindSubscribeTimeout, err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	if err := b.WaitForNoSubscribers("quiet", testTimeout); err != nil {
		t.Errorf("subscription not released after timeout: %v", err)
	}
	if got := e.Stats().Timeouts; got != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", got)
	}
}

func TestEngine_SubscribeCancelled(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	ctx, cancel := context.WithCancel(context.Background())
	ch := executeAsync(e, ctx, subscribeRequest(tg, "waiting", 0))
	if err := b.WaitForSubscribers("waiting", 1, testTimeout); err != nil {
		t.Fatal(err)
	}
	cancel()

	r := awaitResult(t, ch)
	if KindOf(r.err) != KindCancelled {
		t.Errorf("KindOf() = %v, want %v", KindOf(r.err), KindCancelled)
	}
	if err := b.WaitForNoSubscribers("waiting", testTimeout); err != nil {
		t.Errorf("subscription not released after cancel: %v", err)
	}
}

func TestEngine_SubscribeRefused(t *testing.T) {
	b := mqtttest.NewBroker(t)
	b.RejectTopic("forbidden")
	e := newTestEngine(t)

	_, err := e.Execute(context.Background(), subscribeRequest(brokerTarget(t, b.URL()), "forbidden", 0))
	if KindOf(err) != KindBrokerRejected {
		t.Errorf("KindOf() = %v, want %v (err %v)", KindOf(err), KindBrokerRejected, err)
	}
}

func TestEngine_SubscribeConnectionLost(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	ch := executeAsync(e, context.Background(), subscribeRequest(tg, "fragile", 0))
	if err := b.WaitForSubscribers("fragile", 1, testTimeout); err != nil {
		t.Fatal(err)
	}
	b.DisconnectAll()

	r := awaitResult(t, ch)
	if KindOf(r.err) != KindBrokerUnreachable {
		t.Errorf("KindOf() = %v, want %v (err %v)", KindOf(r.err), KindBrokerUnreachable, r.err)
	}
	if !errors.Is(r.err, mqtt.ErrConnectionLost) {
		t.Errorf("error = %v, want wrapped ErrConnectionLost", r.err)
	}
}

func TestEngine_TwoWaitersShareOneMessage(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	ch1 := executeAsync(e, context.Background(), subscribeRequest(tg, "shared", 0))
	ch2 := executeAsync(e, context.Background(), subscribeRequest(tg, "shared", 0))

	conn := pooledConn(t, e, tg)
	eventually(t, "both waiters", func() bool { return conn.WaiterCount() == 2 })
	if err := b.WaitForSubscribers("shared", 1, testTimeout); err != nil {
		t.Fatal(err)
	}

	b.Publish("shared", []byte("both"), 0, false)

	for i, ch := range []<-chan result{ch1, ch2} {
		r := awaitResult(t, ch)
		if r.err != nil {
			t.Fatalf("waiter %d error = %v", i, r.err)
		}
		if string(r.out.Message.Payload) != "both" {
			t.Errorf("waiter %d payload = %q", i, r.out.Message.Payload)
		}
	}
	if got := b.Connects(); got != 1 {
		t.Errorf("broker connects = %d, want 1 shared connection", got)
	}
}

func TestEngine_FirstWaiterLeavingKeepsSubscription(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)
	tg := brokerTarget(t, b.URL())

	long := executeAsync(e, context.Background(), subscribeRequest(tg, "shared", 0))
	if err := b.WaitForSubscribers("shared", 1, testTimeout); err != nil {
		t.Fatal(err)
	}

	_, err := e.Execute(context.Background(), subscribeRequest(tg, "shared", 50*time.Millisecond))
	if KindOf(err) != KindSubscribeTimeout {
		t.Fatalf("short waiter kind = %v, want %v", KindOf(err), KindSubscribeTimeout)
	}
	if got := b.SubscriberCount("shared"); got != 1 {
		t.Fatalf("SubscriberCount() = %d after short waiter left, want 1", got)
	}

	b.Publish("shared", []byte("still here"), 1, false)
	r := awaitResult(t, long)
	if r.err != nil {
		t.Fatalf("long waiter error = %v", r.err)
	}
	if string(r.out.Message.Payload) != "still here" {
		t.Errorf("payload = %q", r.out.Message.Payload)
	}
}

// =============================================================================
// End to end through the parser
// =============================================================================

func TestEngine_ParsedRequest(t *testing.T) {
	b := mqtttest.NewBroker(t)
	e := newTestEngine(t)

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(
		`{"broker":"`+b.URL()+`","messages":[{"topic":"j","payload":{"v":[1,2]},"payloadType":"json"},{"topic":"s","payload":"plain"}]}`))
	r.Header.Set("Content-Type", "application/json")

	req, err := Parser{}.Parse(r)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	out, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Published != 2 {
		t.Errorf("Published = %d, want 2", out.Published)
	}
	// QoS 0 publishes carry no acknowledgment to wait on.
	eventually(t, "two broker messages", func() bool { return len(b.Messages()) >= 2 })
	msgs := b.Messages()
	if len(msgs) != 2 || string(msgs[0].Payload) != `{"v":[1,2]}` || string(msgs[1].Payload) != "plain" {
		t.Errorf("broker messages = %+v", msgs)
	}
}

func TestEngine_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := mqtttest.NewBroker(t)
	e := New(Config{IdleTimeout: time.Minute, AckTimeout: testTimeout}, nil)
	tg := brokerTarget(t, b.URL())

	if _, err := e.Execute(context.Background(), publishRequest(Batch{Target: tg, Actions: []Action{pub("t", "x", 1)}})); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := e.Execute(context.Background(), subscribeRequest(tg, "t", 20*time.Millisecond)); KindOf(err) != KindSubscribeTimeout {
		t.Fatalf("subscribe kind = %v, want %v", KindOf(err), KindSubscribeTimeout)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	b.Close()
}
