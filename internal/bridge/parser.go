package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/httq/internal/infrastructure/mqtt"
)

// Header names for the header form of a request.
const (
	HeaderBroker   = "X-Broker"
	HeaderUsername = "X-Username"
	HeaderPassword = "X-Password"
	HeaderQoS      = "X-QoS"
	HeaderRetain   = "X-Retain"
	HeaderTimeout  = "X-Timeout"
)

// DefaultMaxBodySize caps request bodies when Parser.MaxBodySize is unset.
const DefaultMaxBodySize = 16 << 20

// Parser turns HTTP requests into bridge Requests.
//
// Parsing is complete before anything touches the network: topics are
// validated and every payload is decoded, so a parse error guarantees no
// broker action happened.
type Parser struct {
	// MaxBodySize caps the request body; larger bodies fail with
	// ErrBodyTooLarge. Zero means DefaultMaxBodySize.
	MaxBodySize int64

	// MaxTimeout caps per-request timeout overrides. Zero means no cap.
	MaxTimeout time.Duration
}

// jsonMessage is one message in the JSON form.
type jsonMessage struct {
	Topic       *string         `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PayloadType string          `json:"payloadType"`
	QoS         json.RawMessage `json:"qos"`
	Retain      bool            `json:"retain"`
}

// jsonBroker is one broker object in the JSON form. A single message may
// be given inline through the embedded fields.
type jsonBroker struct {
	Broker   *string         `json:"broker"`
	Host     *string         `json:"host"`
	Hostname *string         `json:"hostname"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	Messages json.RawMessage `json:"messages"`
	Message  json.RawMessage `json:"message"`
	Timeout  json.RawMessage `json:"timeout"`
	jsonMessage
}

// Parse reads and validates r.
//
// GET requests subscribe; every other method publishes. A Content-Type of
// application/json selects the JSON form; anything else is the header form,
// where X-Broker names the broker, the URL path is the topic and the raw
// body is the payload.
//
// Returns:
//   - *Request: Decoded request ready for execution
//   - error: *Error of kind KindInvalidRequest or KindInvalidPayload
func (p Parser) Parse(r *http.Request) (*Request, error) {
	mode := ModePublish
	if r.Method == http.MethodGet {
		mode = ModeSubscribe
	}

	body, err := p.readBody(r)
	if err != nil {
		return nil, err
	}

	var req *Request
	if isJSON(r.Header.Get("Content-Type")) {
		req, err = p.parseJSON(body, mode)
	} else {
		req, err = p.parseHeaders(r, body, mode)
	}
	if err != nil {
		return nil, err
	}

	if mode == ModeSubscribe && (len(req.Batches) != 1 || len(req.Batches[0].Actions) != 1) {
		return nil, invalidRequestf("subscribe requests take exactly one topic, got %d", req.ActionCount())
	}
	return req, nil
}

// readBody reads at most MaxBodySize bytes.
func (p Parser) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := p.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, newError(KindInvalidRequest, NoIndex, ErrBodyTooLarge)
		}
		return nil, invalidRequestf("reading request body: %v", err)
	}
	if int64(len(body)) > limit {
		return nil, newError(KindInvalidRequest, NoIndex, fmt.Errorf("%w (limit %d bytes)", ErrBodyTooLarge, limit))
	}
	return body, nil
}

// isJSON reports whether the Content-Type media type is application/json.
func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

// =============================================================================
// JSON form
// =============================================================================

func (p Parser) parseJSON(body []byte, mode Mode) (*Request, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, invalidRequest("empty JSON body")
	}

	var objects []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &objects); err != nil {
			return nil, invalidRequestf("invalid JSON body: %v", err)
		}
		if len(objects) == 0 {
			return nil, invalidRequest("request array is empty")
		}
	} else {
		objects = []json.RawMessage{body}
	}

	req := &Request{Mode: mode}
	index := 0
	for _, raw := range objects {
		var obj jsonBroker
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, invalidRequestf("invalid JSON body: %v", err)
		}

		batch, err := p.parseBroker(&obj, mode, index)
		if err != nil {
			return nil, err
		}
		index += len(batch.Actions)
		req.Batches = append(req.Batches, batch)

		if req.Timeout == 0 && present(obj.Timeout) {
			req.Timeout, err = p.parseJSONTimeout(obj.Timeout)
			if err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

// parseBroker builds the batch for one broker object. first is the global
// index of its first action.
func (p Parser) parseBroker(obj *jsonBroker, mode Mode, first int) (Batch, error) {
	var address *string
	for _, candidate := range []*string{obj.Broker, obj.Host, obj.Hostname} {
		if candidate != nil {
			address = candidate
			break
		}
	}
	if address == nil {
		return Batch{}, invalidRequest("broker is required")
	}

	target, err := ParseBrokerURL(*address)
	if err != nil {
		return Batch{}, err
	}
	target = target.WithCredentials(obj.Username, obj.Password)

	var messages []jsonMessage
	switch {
	case present(obj.Messages):
		if err := json.Unmarshal(obj.Messages, &messages); err != nil {
			return Batch{}, invalidRequestf("invalid messages: %v", err)
		}
		if len(messages) == 0 {
			return Batch{}, invalidRequest("messages must not be empty")
		}
	case present(obj.Message):
		var m jsonMessage
		if err := json.Unmarshal(obj.Message, &m); err != nil {
			return Batch{}, invalidRequestf("invalid message: %v", err)
		}
		messages = []jsonMessage{m}
	default:
		messages = []jsonMessage{obj.jsonMessage}
	}

	batch := Batch{Target: target, Actions: make([]Action, 0, len(messages))}
	for i, m := range messages {
		action, err := m.action(mode)
		if err != nil {
			return Batch{}, withIndex(err, first+i)
		}
		batch.Actions = append(batch.Actions, action)
	}
	return batch, nil
}

// action validates m and decodes its payload.
func (m jsonMessage) action(mode Mode) (Action, error) {
	if m.Topic == nil {
		return Action{}, invalidRequest("topic is required")
	}
	if err := mqtt.ValidateTopic(*m.Topic); err != nil {
		return Action{}, newError(KindInvalidRequest, NoIndex, err)
	}

	qos, err := parseJSONQoS(m.QoS)
	if err != nil {
		return Action{}, err
	}

	if mode == ModeSubscribe {
		return Action{Kind: ActionSubscribe, Topic: *m.Topic, QoS: qos}, nil
	}

	pt, err := ParsePayloadType(m.PayloadType)
	if err != nil {
		return Action{}, err
	}
	payload, err := DecodePayload(pt, m.Payload)
	if err != nil {
		return Action{}, err
	}

	return Action{
		Kind:    ActionPublish,
		Topic:   *m.Topic,
		Payload: payload,
		QoS:     qos,
		Retain:  m.Retain,
	}, nil
}

// parseJSONQoS accepts an absent field (0) or an integer 0..2.
func parseJSONQoS(raw json.RawMessage) (byte, error) {
	if !present(raw) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, invalidRequestf("qos must be an integer, got %s", raw)
	}
	return checkQoS(n)
}

func checkQoS(n int) (byte, error) {
	if n < 0 || n > 2 {
		return 0, invalidRequestf("qos must be 0, 1 or 2, got %d", n)
	}
	return byte(n), nil
}

// parseJSONTimeout accepts seconds as a number or a string.
func (p Parser) parseJSONTimeout(raw json.RawMessage) (time.Duration, error) {
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		return p.clampTimeout(secondsToDuration(secs))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, invalidRequestf("timeout must be seconds, got %s", raw)
	}
	return p.parseTimeoutString(s)
}

// present reports whether a raw JSON field was given and is not null.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// =============================================================================
// Header form
// =============================================================================

func (p Parser) parseHeaders(r *http.Request, body []byte, mode Mode) (*Request, error) {
	broker := r.Header.Get(HeaderBroker)
	if broker == "" {
		return nil, invalidRequestf("%s header is required", HeaderBroker)
	}
	target, err := ParseBrokerURL(broker)
	if err != nil {
		return nil, err
	}
	target = target.WithCredentials(r.Header.Get(HeaderUsername), r.Header.Get(HeaderPassword))

	topic := strings.TrimPrefix(r.URL.Path, "/")
	if topic == "" {
		return nil, invalidRequest("topic path is required")
	}
	if err := mqtt.ValidateTopic(topic); err != nil {
		return nil, newError(KindInvalidRequest, NoIndex, err)
	}

	var qos byte
	if v := r.Header.Get(HeaderQoS); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, invalidRequestf("%s must be an integer, got %q", HeaderQoS, v)
		}
		if qos, err = checkQoS(n); err != nil {
			return nil, err
		}
	}

	var retain bool
	if v := r.Header.Get(HeaderRetain); v != "" {
		retain, err = strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, invalidRequestf("%s must be true or false, got %q", HeaderRetain, v)
		}
	}

	req := &Request{Mode: mode}
	if v := r.Header.Get(HeaderTimeout); v != "" {
		if req.Timeout, err = p.parseTimeoutString(v); err != nil {
			return nil, err
		}
	}

	action := Action{Kind: ActionSubscribe, Topic: topic, QoS: qos}
	if mode == ModePublish {
		if body == nil {
			body = []byte{}
		}
		action = Action{Kind: ActionPublish, Topic: topic, Payload: body, QoS: qos, Retain: retain}
	}

	req.Batches = []Batch{{Target: target, Actions: []Action{action}}}
	return req, nil
}

// =============================================================================
// Timeouts
// =============================================================================

// parseTimeoutString accepts seconds ("2.5") or a Go duration ("1m30s").
func (p Parser) parseTimeoutString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return p.clampTimeout(secondsToDuration(secs))
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalidRequestf("invalid timeout %q", s)
	}
	return p.clampTimeout(d)
}

func (p Parser) clampTimeout(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, invalidRequest("timeout must be positive")
	}
	if p.MaxTimeout > 0 && d > p.MaxTimeout {
		return p.MaxTimeout, nil
	}
	return d, nil
}

// secondsToDuration converts fractional seconds, saturating instead of
// overflowing.
func secondsToDuration(secs float64) time.Duration {
	if math.IsNaN(secs) {
		return 0
	}
	ns := secs * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
