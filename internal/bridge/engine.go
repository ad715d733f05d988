package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/httq/internal/infrastructure/mqtt"
)

// Default engine settings, used for zero Config fields.
const (
	DefaultSubscribeTimeout = 5 * time.Minute
	DefaultIdleTimeout      = 30 * time.Second
	DefaultClientIDPrefix   = "httq"
)

// Config holds engine settings.
type Config struct {
	// SubscribeTimeout is the subscribe wait when the request sets none.
	SubscribeTimeout time.Duration

	// IdleTimeout is how long an unreferenced connection stays pooled.
	IdleTimeout time.Duration

	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	KeepAlive      time.Duration

	// ClientIDPrefix prefixes the per-connection client id
	// "<prefix>-<uuid>".
	ClientIDPrefix string

	QoS2Mode QoS2Mode

	// Dialer replaces the MQTT dialer. Nil means mqtt.Dial.
	Dialer Dialer
}

// Stats are cumulative engine counters.
type Stats struct {
	Requests  int64     `json:"requests_total"`
	Published int64     `json:"published_total"`
	Delivered int64     `json:"delivered_total"`
	Timeouts  int64     `json:"subscribe_timeouts_total"`
	Failures  int64     `json:"failures_total"`
	Waiting   int64     `json:"subscribers_waiting"`
	Pool      PoolStats `json:"pool"`
}

// Engine executes parsed requests against brokers.
//
// Thread Safety:
//   - Execute may be called concurrently from any number of goroutines.
type Engine struct {
	cfg    Config
	pool   *Pool
	logger Logger

	requests  atomic.Int64
	published atomic.Int64
	delivered atomic.Int64
	timeouts  atomic.Int64
	failures  atomic.Int64
	waiting   atomic.Int64
}

// New creates an engine. logger may be nil.
func New(cfg Config, logger Logger) *Engine {
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = DefaultClientIDPrefix
	}
	if cfg.QoS2Mode == "" {
		cfg.QoS2Mode = QoS2ExactlyOnce
	}

	e := &Engine{cfg: cfg, logger: logger}
	dial := cfg.Dialer
	if dial == nil {
		dial = e.dial
	}
	e.pool = NewPool(dial, cfg.IdleTimeout, logger)
	return e
}

// dial opens an MQTT session for t with a fresh client id.
func (e *Engine) dial(ctx context.Context, t Target) (Conn, error) {
	opts := t.dialOptions()
	opts.ClientID = e.cfg.ClientIDPrefix + "-" + uuid.NewString()
	opts.ConnectTimeout = e.cfg.ConnectTimeout
	opts.AckTimeout = e.cfg.AckTimeout
	opts.KeepAlive = e.cfg.KeepAlive
	opts.Logger = e.logger

	conn, err := mqtt.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Execute runs req and reports its outcome.
//
// Publish requests run their batches in order, each on its own pooled
// connection, stopping at the first failure. Subscribe requests wait for
// one message on their single topic.
//
// Returns:
//   - *Outcome: Published count or delivered message
//   - error: *Error; KindOf and IndexOf classify it
func (e *Engine) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	e.requests.Add(1)

	out, err := e.execute(ctx, req)
	if err != nil {
		switch KindOf(err) {
		case KindSubscribeTimeout:
			e.timeouts.Add(1)
		case KindCancelled:
		default:
			e.failures.Add(1)
		}
		return nil, err
	}
	return out, nil
}

func (e *Engine) execute(ctx context.Context, req *Request) (*Outcome, error) {
	if req == nil || len(req.Batches) == 0 {
		return nil, invalidRequest("request has no actions")
	}

	if req.Mode == ModeSubscribe {
		return e.subscribe(ctx, req)
	}
	return e.publish(ctx, req)
}

func (e *Engine) publish(ctx context.Context, req *Request) (*Outcome, error) {
	out := &Outcome{Mode: ModePublish}
	offset := 0
	for _, b := range req.Batches {
		n, err := e.publishBatch(ctx, b, offset)
		out.Published += n
		e.published.Add(int64(n))
		if err != nil {
			return nil, err
		}
		offset += len(b.Actions)
	}
	return out, nil
}

func (e *Engine) publishBatch(ctx context.Context, b Batch, offset int) (int, error) {
	lease, err := e.pool.Acquire(ctx, b.Target)
	if err != nil {
		if offset > 0 {
			// Earlier batches already ran; say where execution stopped.
			return 0, withIndex(err, offset)
		}
		return 0, err
	}
	defer lease.Release()

	n, err := publishAll(ctx, lease.Conn(), b.Actions, offset, e.cfg.QoS2Mode)
	if err != nil {
		e.logger.Warn("publish failed",
			"broker", b.Target.String(),
			"index", IndexOf(err),
			"error", err,
		)
	}
	return n, err
}

func (e *Engine) subscribe(ctx context.Context, req *Request) (*Outcome, error) {
	if len(req.Batches) != 1 || len(req.Batches[0].Actions) != 1 {
		return nil, invalidRequest("subscribe requests take exactly one topic")
	}
	b := req.Batches[0]
	a := b.Actions[0]

	timeout := e.cfg.SubscribeTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	lease, err := e.pool.Acquire(ctx, b.Target)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	e.waiting.Add(1)
	defer e.waiting.Add(-1)

	msg, err := awaitMessage(ctx, lease.Conn(), a, timeout, e.logger)
	if err != nil {
		return nil, err
	}
	e.delivered.Add(1)
	return &Outcome{Mode: ModeSubscribe, Message: msg}, nil
}

// Stats returns the engine counters and a pool snapshot.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:  e.requests.Load(),
		Published: e.published.Load(),
		Delivered: e.delivered.Load(),
		Timeouts:  e.timeouts.Load(),
		Failures:  e.failures.Load(),
		Waiting:   e.waiting.Load(),
		Pool:      e.pool.Stats(),
	}
}

// Close closes all pooled connections. In-flight requests fail.
func (e *Engine) Close() error {
	if err := e.pool.Close(); err != nil && !errors.Is(err, mqtt.ErrClosed) {
		return err
	}
	return nil
}
