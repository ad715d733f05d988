package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/httq/internal/audit"
	"github.com/nerrad567/httq/internal/bridge"
	"github.com/nerrad567/httq/internal/infrastructure/influxdb"
	"github.com/nerrad567/httq/internal/infrastructure/logging"
)

// Response headers describing a delivered message.
const (
	HeaderTopic    = "X-Topic"
	HeaderQoS      = "X-QoS"
	HeaderRetained = "X-Retained"
)

// statusClientClosed is recorded for requests whose client went away. It
// is never written to the wire.
const statusClientClosed = 499

// Outcome names for successful exchanges. Failures use the bridge kind.
const (
	outcomePublished = "published"
	outcomeDelivered = "delivered"
)

// publishResponse is the body of a successful publish.
type publishResponse struct {
	Status  string `json:"status"`
	Actions int    `json:"actions"`
}

// exchange collects what one bridged request did, for the log, audit and
// telemetry.
type exchange struct {
	start   time.Time
	mode    bridge.Mode
	req     *bridge.Request
	status  int
	outcome string
	index   int
	message string
	err     error
}

// handleBridge parses the request, executes it against the broker and maps
// the result onto the HTTP response.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{start: time.Now(), mode: bridge.ModePublish, index: bridge.NoIndex}
	if r.Method == http.MethodGet {
		ex.mode = bridge.ModeSubscribe
	}
	defer s.record(r, ex)

	req, err := s.parser.Parse(r)
	if err != nil {
		s.writeBridgeError(w, r, ex, err)
		return
	}
	ex.req = req

	out, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		s.writeBridgeError(w, r, ex, err)
		return
	}

	if out.Message == nil {
		ex.status, ex.outcome = http.StatusOK, outcomePublished
		writeJSON(w, http.StatusOK, publishResponse{Status: outcomePublished, Actions: out.Published})
		return
	}

	msg := out.Message
	body, contentType := bridge.EncodeResponse(r.Header.Get("Accept"), msg.Payload)

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set(HeaderTopic, msg.Topic)
	h.Set(HeaderQoS, strconv.Itoa(int(msg.QoS)))
	h.Set(HeaderRetained, strconv.FormatBool(msg.Retained))
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(body)

	ex.status, ex.outcome = http.StatusOK, outcomeDelivered
}

// writeBridgeError maps a bridge failure onto a status and error body.
// Cancelled requests get no response at all.
func (s *Server) writeBridgeError(w http.ResponseWriter, r *http.Request, ex *exchange, err error) {
	kind := bridge.KindOf(err)
	ex.outcome = kind.String()
	ex.index = bridge.IndexOf(err)
	ex.message = err.Error()
	ex.err = err

	if kind == bridge.KindCancelled {
		ex.status = statusClientClosed
		return
	}

	status, code := statusForError(err)
	ex.status = status

	body := Error{Status: status, Code: code, Message: err.Error()}
	if ex.index != bridge.NoIndex {
		idx := ex.index
		body.Index = &idx
	}
	writeJSON(w, status, body)
}

// statusForError returns the HTTP status and error code for a bridge error.
func statusForError(err error) (int, string) {
	if errors.Is(err, bridge.ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge, ErrCodeBodyTooLarge
	}

	kind := bridge.KindOf(err)
	switch kind {
	case bridge.KindInvalidRequest, bridge.KindInvalidPayload:
		return http.StatusBadRequest, kind.String()
	case bridge.KindBrokerUnreachable, bridge.KindBrokerRejected, bridge.KindPublishFailed:
		return http.StatusBadGateway, kind.String()
	case bridge.KindSubscribeTimeout:
		return http.StatusGatewayTimeout, kind.String()
	default:
		return http.StatusInternalServerError, bridge.KindInternal.String()
	}
}

// record hands the finished exchange to the audit log and telemetry.
func (s *Server) record(r *http.Request, ex *exchange) {
	duration := time.Since(ex.start)
	requestID, _ := r.Context().Value(ctxKeyRequestID).(string)
	subject, _ := r.Context().Value(ctxKeySubject).(string)
	broker, topics, actions, payloadBytes := "", []string{}, 0, 0
	if ex.req != nil {
		broker = brokers(ex.req)
		topics = ex.req.Topics()
		actions = ex.req.ActionCount()
		payloadBytes = ex.req.PayloadBytes()
	}

	s.logger.ForRequest(requestID, subject).LogExchange(r.Context(), logging.Exchange{
		Mode:     ex.mode.String(),
		Outcome:  ex.outcome,
		Broker:   broker,
		Status:   ex.status,
		Actions:  actions,
		Index:    ex.index,
		Duration: duration,
		Err:      ex.err,
	})

	if s.telemetry != nil {
		s.telemetry.WriteExchange(influxdb.Exchange{
			Mode:         ex.mode.String(),
			Outcome:      ex.outcome,
			Broker:       broker,
			Status:       ex.status,
			Actions:      actions,
			PayloadBytes: payloadBytes,
			Duration:     duration,
		})
	}

	if s.auditCh != nil {
		entry := &audit.Exchange{
			Mode:         ex.mode.String(),
			Broker:       broker,
			Topics:       topics,
			Actions:      actions,
			PayloadBytes: payloadBytes,
			Status:       ex.status,
			Outcome:      ex.outcome,
			Message:      ex.message,
			DurationMS:   duration.Milliseconds(),
			RequestID:    requestID,
			Subject:      subject,
		}
		if ex.index != bridge.NoIndex {
			idx := ex.index
			entry.ErrorIndex = &idx
		}
		s.auditLog(entry)
	}
}

// brokers lists the distinct batch targets, passwords omitted.
func brokers(req *bridge.Request) string {
	seen := make(map[string]bool, len(req.Batches))
	var out []string
	for _, b := range req.Batches {
		t := b.Target.String()
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}
