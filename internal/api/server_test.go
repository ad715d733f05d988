package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/httq/internal/audit"
	"github.com/nerrad567/httq/internal/auth"
	"github.com/nerrad567/httq/internal/bridge"
	"github.com/nerrad567/httq/internal/infrastructure/config"
	"github.com/nerrad567/httq/internal/infrastructure/database"
	"github.com/nerrad567/httq/internal/infrastructure/influxdb"
	"github.com/nerrad567/httq/internal/infrastructure/logging"
	"github.com/nerrad567/httq/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/httq/migrations"
)

const testTimeout = 2 * time.Second

const testSecret = "test-secret-key-at-least-32-characters-long"

// testOptions toggles optional server dependencies.
type testOptions struct {
	secret      string
	maxBody     int64
	withAudit   bool
	telemetry   *fakeTelemetry
	corsOrigins []string
}

// testServer builds a Server with its workers running and serves its
// router through httptest.
func testServer(t *testing.T, opts testOptions) (*Server, *httptest.Server) {
	t.Helper()

	engine := bridge.New(bridge.Config{
		SubscribeTimeout: testTimeout,
		IdleTimeout:      time.Minute,
		ConnectTimeout:   testTimeout,
		AckTimeout:       testTimeout,
		ClientIDPrefix:   "api-test",
	}, nil)
	t.Cleanup(func() { engine.Close() })

	deps := Deps{
		Config: config.APIConfig{
			Host:        "127.0.0.1",
			MaxBodySize: opts.maxBody,
			CORS:        config.CORSConfig{AllowedOrigins: opts.corsOrigins},
		},
		Bridge:   config.BridgeConfig{MaxSubscribeTimeout: 10},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: opts.secret}},
		Logger:   logging.Discard(),
		Engine:   engine,
		Version:  "test",
	}

	if opts.withAudit {
		db, err := database.Open(config.DatabaseConfig{Enabled: true, Path: ":memory:"})
		if err != nil {
			t.Fatalf("database.Open() error = %v", err)
		}
		t.Cleanup(func() { db.Close() })
		if err := db.Migrate(context.Background(), migrations.FS); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		deps.DB = db
		deps.AuditRepo = audit.NewSQLiteRepository(db.DB)
	}
	if opts.telemetry != nil {
		deps.Telemetry = opts.telemetry
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.startWorkers(ctx)
	t.Cleanup(func() {
		cancel()
		srv.wg.Wait()
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// fakeTelemetry records exchange points.
type fakeTelemetry struct {
	mu        sync.Mutex
	exchanges []influxdb.Exchange
	healthErr error
}

func (f *fakeTelemetry) WriteExchange(e influxdb.Exchange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, e)
}

func (f *fakeTelemetry) WriteEngineSnapshot(influxdb.EngineSnapshot) {}

func (f *fakeTelemetry) HealthCheck(context.Context) error {
	return f.healthErr
}

func (f *fakeTelemetry) recorded() []influxdb.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]influxdb.Exchange(nil), f.exchanges...)
}

func do(t *testing.T, method, url string, body string, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) Error {
	t.Helper()
	var e Error
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return e
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// Reserved endpoints
// =============================================================================

func TestHealth(t *testing.T) {
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestHealth_Degraded(t *testing.T) {
	tel := &fakeTelemetry{healthErr: errors.New("influx down")}
	_, ts := testServer(t, testOptions{telemetry: tel, withAudit: true})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["database"] != "ok" || body.Checks["influxdb"] != "influx down" {
		t.Errorf("body = %+v", body)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/health", "", map[string]string{"X-Request-ID": "abc123"})
	if got := resp.Header.Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
}

func TestReservedUnknownPath(t *testing.T) {
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{withAudit: true})

	do(t, http.MethodPost, ts.URL+"/m/1", "x", map[string]string{"X-Broker": b.URL()})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var m SystemMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Bridge.Requests != 1 || m.Bridge.Published != 1 {
		t.Errorf("bridge stats = %+v, want 1 request, 1 published", m.Bridge)
	}
	if m.Bridge.Pool.Connections != 1 {
		t.Errorf("pool connections = %d, want 1", m.Bridge.Pool.Connections)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines = 0")
	}
	if m.Database == nil || m.Audit == nil {
		t.Errorf("database/audit metrics missing: %+v", m)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := testServer(t, testOptions{corsOrigins: []string{"https://app.example"}})

	resp := do(t, http.MethodOptions, ts.URL+"/sensors/temp", "", map[string]string{"Origin": "https://app.example"})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "X-Broker") {
		t.Errorf("Allow-Headers = %q, want X-Broker", resp.Header.Get("Access-Control-Allow-Headers"))
	}

	resp = do(t, http.MethodOptions, ts.URL+"/sensors/temp", "", map[string]string{"Origin": "https://evil.example"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want empty", got)
	}
}

// =============================================================================
// Publish
// =============================================================================

func TestPublish_HeaderForm(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodPost, ts.URL+"/sensors/temp", "21.5", map[string]string{
		"X-Broker": b.URL(),
		"X-QoS":    "1",
		"X-Retain": "true",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "published" || body["actions"] != float64(1) {
		t.Errorf("body = %v", body)
	}

	msgs := b.Messages()
	if len(msgs) != 1 {
		t.Fatalf("broker received %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "sensors/temp" || string(msgs[0].Payload) != "21.5" || msgs[0].QoS != 1 || !msgs[0].Retained {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestPublish_JSONBatches(t *testing.T) {
	b1 := mqtttest.NewBroker(t)
	b2 := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{})

	body := fmt.Sprintf(`[
		{"broker": %q, "messages": [{"topic": "a", "payload": "1"}, {"topic": "b", "payload": {"on": true}, "payloadType": "json"}]},
		{"host": %q, "topic": "c", "payload": "aGk=", "payloadType": "base64", "qos": 2}
	]`, b1.URL(), b2.URL())

	resp := do(t, http.MethodPut, ts.URL+"/", body, map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", resp.StatusCode, decodeError(t, resp))
	}

	var out publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Actions != 3 {
		t.Errorf("actions = %d, want 3", out.Actions)
	}

	eventually(t, "broker 1 messages", func() bool { return len(b1.Messages()) >= 2 })
	if got := b1.Messages(); len(got) != 2 || string(got[1].Payload) != `{"on":true}` {
		t.Errorf("broker 1 messages = %+v", got)
	}
	if got := b2.Messages(); len(got) != 1 || string(got[0].Payload) != "hi" || got[0].QoS != 2 {
		t.Errorf("broker 2 messages = %+v", got)
	}
}

func TestPublish_Errors(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{})

	tests := []struct {
		name     string
		path     string
		body     string
		headers  map[string]string
		status   int
		code     string
		hasIndex bool
		index    int
	}{
		{
			name:   "missing broker",
			path:   "/t",
			body:   "x",
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:    "wildcard topic",
			path:    "/a/+",
			body:    "x",
			headers: map[string]string{"X-Broker": b.URL()},
			status:  http.StatusBadRequest,
			code:    "invalid_request",
		},
		{
			name:    "bad base64",
			path:    "/",
			body:    fmt.Sprintf(`{"broker": %q, "topic": "t", "payload": "!!!", "payloadType": "base64"}`, b.URL()),
			headers: map[string]string{"Content-Type": "application/json"},
			status:  http.StatusBadRequest,
			code:    "invalid_payload",
		},
		{
			name:    "broker unreachable",
			path:    "/t",
			body:    "x",
			headers: map[string]string{"X-Broker": "tcp://" + closedAddr(t)},
			status:  http.StatusBadGateway,
			code:    "broker_unreachable",
		},
		{
			name: "later broker unreachable",
			path: "/",
			body: fmt.Sprintf(`[{"broker": %q, "topic": "t"}, {"broker": "tcp://%s", "topic": "u"}]`,
				b.URL(), closedAddr(t)),
			headers:  map[string]string{"Content-Type": "application/json"},
			status:   http.StatusBadGateway,
			code:     "broker_unreachable",
			hasIndex: true,
			index:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+tt.path, tt.body, tt.headers)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			e := decodeError(t, resp)
			if e.Code != tt.code || e.Status != tt.status || e.Message == "" {
				t.Errorf("error body = %+v, want code %q", e, tt.code)
			}
			switch {
			case tt.hasIndex && (e.Index == nil || *e.Index != tt.index):
				t.Errorf("index = %v, want %d", e.Index, tt.index)
			case !tt.hasIndex && e.Index != nil:
				t.Errorf("index = %d, want none", *e.Index)
			}
		})
	}
}

func TestPublish_BodyTooLarge(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{maxBody: 64})

	resp := do(t, http.MethodPost, ts.URL+"/t", strings.Repeat("x", 64), map[string]string{"X-Broker": b.URL()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status at limit = %d, want 200", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, ts.URL+"/t", strings.Repeat("x", 65), map[string]string{"X-Broker": b.URL()})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status over limit = %d, want 413", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != ErrCodeBodyTooLarge {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeBodyTooLarge)
	}
}

func TestPublish_BrokerPasswordNotEchoed(t *testing.T) {
	_, ts := testServer(t, testOptions{withAudit: true})

	resp := do(t, http.MethodPost, ts.URL+"/t", "x", map[string]string{"X-Broker": "tcp://user:hunter2@"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "hunter2") {
		t.Errorf("error body leaks password: %s", body)
	}

	var list audit.ListResult
	eventually(t, "audit record", func() bool {
		resp := do(t, http.MethodGet, ts.URL+"/_httq/audit", "", nil)
		list = audit.ListResult{}
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return false
		}
		return list.Total == 1
	})
	if msg := list.Exchanges[0].Message; msg == "" || strings.Contains(msg, "hunter2") {
		t.Errorf("audit message = %q, want text without the password", msg)
	}
}

func TestPublish_RejectedCredentials(t *testing.T) {
	b := mqtttest.NewBroker(t)
	b.RequireAuth("user", "secret")
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodPost, ts.URL+"/t", "x", map[string]string{
		"X-Broker":   b.URL(),
		"X-Username": "user",
		"X-Password": "wrong",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != "broker_rejected" {
		t.Errorf("code = %q, want broker_rejected", e.Code)
	}
}

// =============================================================================
// Subscribe
// =============================================================================

// subscribeAsync issues GET /topic with X-QoS 1 and hands back the response,
// or nil if the request failed.
func subscribeAsync(ts *httptest.Server, brokerURL, topic, accept string) <-chan *http.Response {
	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+topic, nil)
		req.Header.Set("X-Broker", brokerURL)
		req.Header.Set("X-QoS", "1")
		req.Header.Set("Accept", accept)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- nil
			return
		}
		done <- resp
	}()
	return done
}

func awaitResponse(t *testing.T, done <-chan *http.Response) *http.Response {
	t.Helper()
	var resp *http.Response
	select {
	case resp = <-done:
	case <-time.After(2 * testTimeout):
		t.Fatal("subscribe request did not return")
	}
	if resp == nil {
		t.Fatal("subscribe request failed")
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubscribe_Delivered(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{})

	done := subscribeAsync(ts, b.URL(), "sensors/temp", "text/plain")
	if err := b.WaitForSubscribers("sensors/temp", 1, testTimeout); err != nil {
		t.Fatal(err)
	}
	b.Publish("sensors/temp", []byte("hot\xff"), 1, false)

	resp := awaitResponse(t, done)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hot\uFFFD" {
		t.Errorf("body = %q, want lossy text", body)
	}
	if got := resp.Header.Get("Content-Type"); got != bridge.ContentTypeText {
		t.Errorf("Content-Type = %q", got)
	}
	if resp.Header.Get(HeaderTopic) != "sensors/temp" || resp.Header.Get(HeaderQoS) != "1" || resp.Header.Get(HeaderRetained) != "false" {
		t.Errorf("message headers = %v", resp.Header)
	}

	if err := b.WaitForNoSubscribers("sensors/temp", testTimeout); err != nil {
		t.Errorf("subscription not released: %v", err)
	}
}

func TestSubscribe_Retained(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{})

	// Stored before the subscription exists, so it arrives with the
	// retain flag set.
	b.Publish("sensors/humidity", []byte("40"), 1, true)

	resp := awaitResponse(t, subscribeAsync(ts, b.URL(), "sensors/humidity", "text/plain"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "40" {
		t.Errorf("body = %q, want 40", body)
	}
	if resp.Header.Get(HeaderQoS) != "1" || resp.Header.Get(HeaderRetained) != "true" {
		t.Errorf("message headers = %v", resp.Header)
	}
}

func TestSubscribe_Timeout(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodGet, ts.URL+"/quiet", "", map[string]string{
		"X-Broker":  b.URL(),
		"X-Timeout": "0.1",
	})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != "subscribe_timeout" {
		t.Errorf("code = %q, want subscribe_timeout", e.Code)
	}
}

func TestSubscribe_Refused(t *testing.T) {
	b := mqtttest.NewBroker(t)
	b.RejectTopic("secret")
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodGet, ts.URL+"/secret", "", map[string]string{"X-Broker": b.URL()})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != "broker_rejected" {
		t.Errorf("code = %q, want broker_rejected", e.Code)
	}
}

func TestSubscribe_ClientGoneReleasesSubscription(t *testing.T) {
	b := mqtttest.NewBroker(t)
	srv, ts := testServer(t, testOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/gone", nil)
	req.Header.Set("X-Broker", b.URL())

	errCh := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		errCh <- err
	}()

	if err := b.WaitForSubscribers("gone", 1, testTimeout); err != nil {
		t.Fatal(err)
	}
	cancel()
	<-errCh

	if err := b.WaitForNoSubscribers("gone", testTimeout); err != nil {
		t.Errorf("subscription not released: %v", err)
	}
	eventually(t, "waiter released", func() bool { return srv.engine.Stats().Waiting == 0 })
}

// =============================================================================
// Auth
// =============================================================================

func signToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestAuth(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{secret: testSecret})

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "another-secret-another-secret-xx", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, testSecret, time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{"X-Broker": b.URL()}
			if tt.auth != "" {
				headers["Authorization"] = tt.auth
			}
			resp := do(t, http.MethodPost, ts.URL+"/t", "x", headers)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header missing")
			}
		})
	}

	// Monitoring stays open.
	if resp := do(t, http.MethodGet, ts.URL+"/_httq/health", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	eventually(t, "authorised message", func() bool { return len(b.Messages()) >= 1 })
	if got := len(b.Messages()); got != 1 {
		t.Errorf("broker received %d messages, want only the authorised one", got)
	}
}

func TestAuth_RejectsOtherAlgorithms(t *testing.T) {
	_, ts := testServer(t, testOptions{secret: testSecret})

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodPost, ts.URL+"/t", "x", map[string]string{"Authorization": "Bearer " + signed})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_Scopes(t *testing.T) {
	b := mqtttest.NewBroker(t)
	_, ts := testServer(t, testOptions{secret: testSecret, withAudit: true})

	publisher, err := auth.GenerateToken("svc-ingest", testSecret, time.Hour, auth.ScopePublish)
	if err != nil {
		t.Fatal(err)
	}
	auditor, err := auth.GenerateToken("ops", testSecret, time.Hour, auth.ScopeAudit)
	if err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodPost, ts.URL+"/t", "x", map[string]string{
		"X-Broker":      b.URL(),
		"Authorization": "Bearer " + publisher,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, want 200", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/t", "", map[string]string{
		"X-Broker":      b.URL(),
		"Authorization": "Bearer " + publisher,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("subscribe with publish token status = %d, want 403", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/_httq/audit", "", map[string]string{"Authorization": "Bearer " + publisher})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("audit with publish token status = %d, want 403", resp.StatusCode)
	}

	eventually(t, "audit record with subject", func() bool {
		resp := do(t, http.MethodGet, ts.URL+"/_httq/audit?subject=svc-ingest", "", map[string]string{"Authorization": "Bearer " + auditor})
		var list audit.ListResult
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return false
		}
		return list.Total == 1 && list.Exchanges[0].Subject == "svc-ingest"
	})
}

// =============================================================================
// Audit and telemetry
// =============================================================================

func TestAudit_RecordsExchanges(t *testing.T) {
	b := mqtttest.NewBroker(t)
	tel := &fakeTelemetry{}
	_, ts := testServer(t, testOptions{withAudit: true, telemetry: tel})

	do(t, http.MethodPost, ts.URL+"/a", "hello", map[string]string{"X-Broker": b.URL(), "X-Request-ID": "req-1"})
	do(t, http.MethodPost, ts.URL+"/b", "x", nil)

	var list audit.ListResult
	eventually(t, "two audit records", func() bool {
		resp := do(t, http.MethodGet, ts.URL+"/_httq/audit", "", nil)
		list = audit.ListResult{}
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return false
		}
		return list.Total == 2
	})

	var published *audit.Exchange
	for i := range list.Exchanges {
		if list.Exchanges[i].Outcome == "published" {
			published = &list.Exchanges[i]
		}
	}
	if published == nil {
		t.Fatalf("no published exchange in %+v", list.Exchanges)
	}
	if published.RequestID != "req-1" || published.Mode != "publish" || published.Status != http.StatusOK {
		t.Errorf("published exchange = %+v", published)
	}
	if published.PayloadBytes != 5 || len(published.Topics) != 1 || published.Topics[0] != "a" {
		t.Errorf("published exchange = %+v", published)
	}

	resp := do(t, http.MethodGet, ts.URL+"/_httq/audit?outcome=invalid_request", "", nil)
	list = audit.ListResult{}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Exchanges[0].Status != http.StatusBadRequest {
		t.Errorf("filtered list = %+v", list)
	}

	if got := tel.recorded(); len(got) != 2 {
		t.Errorf("telemetry points = %d, want 2", len(got))
	}
}

func TestAudit_BadQuery(t *testing.T) {
	_, ts := testServer(t, testOptions{withAudit: true})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/audit?limit=-1", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAudit_NotConfigured(t *testing.T) {
	_, ts := testServer(t, testOptions{})

	resp := do(t, http.MethodGet, ts.URL+"/_httq/audit", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != ErrCodeNotConfigured {
		t.Errorf("code = %q", e.Code)
	}
}

// =============================================================================
// Mapping
// =============================================================================

func TestStatusForError(t *testing.T) {
	tests := []struct {
		kind   bridge.Kind
		status int
	}{
		{bridge.KindInvalidRequest, http.StatusBadRequest},
		{bridge.KindInvalidPayload, http.StatusBadRequest},
		{bridge.KindBrokerUnreachable, http.StatusBadGateway},
		{bridge.KindBrokerRejected, http.StatusBadGateway},
		{bridge.KindPublishFailed, http.StatusBadGateway},
		{bridge.KindSubscribeTimeout, http.StatusGatewayTimeout},
		{bridge.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := &bridge.Error{Kind: tt.kind, Index: bridge.NoIndex, Err: errors.New("x")}
			status, code := statusForError(err)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if code != tt.kind.String() {
				t.Errorf("code = %q, want %q", code, tt.kind.String())
			}
		})
	}

	if status, _ := statusForError(errors.New("plain")); status != http.StatusInternalServerError {
		t.Errorf("plain error status = %d, want 500", status)
	}
}

func TestNew_RequiresEngine(t *testing.T) {
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without engine should fail")
	}
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}
