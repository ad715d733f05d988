package influxdb

import (
	"time"
)

// Measurement names.
const (
	measurementExchange = "httq_exchange"
	measurementEngine   = "httq_engine"
)

// Exchange is the telemetry for one bridged request.
type Exchange struct {
	Mode         string // publish or subscribe
	Outcome      string // published, delivered or an error code
	Broker       string // target without password
	Status       int
	Actions      int
	PayloadBytes int
	Duration     time.Duration
}

// WriteExchange records one bridged request.
//
// Mode, outcome and broker are tags; everything else is a field. Topics are
// never tagged: they are unbounded.
func (c *Client) WriteExchange(e Exchange) {
	c.writePoint(measurementExchange,
		map[string]string{
			"mode":    e.Mode,
			"outcome": e.Outcome,
			"broker":  e.Broker,
		},
		map[string]any{
			"status":        e.Status,
			"actions":       e.Actions,
			"payload_bytes": e.PayloadBytes,
			"duration_ms":   float64(e.Duration) / float64(time.Millisecond),
		},
		time.Now(),
	)
}

// EngineSnapshot is a periodic sample of bridge state.
type EngineSnapshot struct {
	Connections int
	References  int
	Waiting     int64
}

// WriteEngineSnapshot records pool and waiter gauges.
func (c *Client) WriteEngineSnapshot(s EngineSnapshot) {
	c.writePoint(measurementEngine, nil,
		map[string]any{
			"connections": s.Connections,
			"references":  s.References,
			"waiting":     s.Waiting,
		},
		time.Now(),
	)
}
