package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/httq/internal/infrastructure/mqtt"
)

// Pool constants.
const (
	// maxAcquireAttempts bounds how often Acquire retries when the entry it
	// waited for vanished before it could claim it.
	maxAcquireAttempts = 3

	// minClaimGrace keeps a freshly connected entry alive long enough for
	// the requests that waited on the handshake to claim it.
	minClaimGrace = time.Second
)

// Conn is a live broker session as the bridge uses it. *mqtt.Conn
// implements it.
type Conn interface {
	PublishConn
	SubscribeConn

	// Done is closed when the session terminates.
	Done() <-chan struct{}

	// Err reports why the session terminated, or nil while it is alive.
	Err() error

	Close() error
}

// Dialer opens a new session to target.
type Dialer func(ctx context.Context, target Target) (Conn, error)

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Connections int   `json:"connections"`
	References  int   `json:"references"`
	Connects    int64 `json:"connects_total"`
	Evictions   int64 `json:"evictions_total"`
	Drops       int64 `json:"drops_total"`
}

// Pool shares broker connections between concurrent requests.
//
// Connections are keyed by Target, so identical targets share one session
// and targets differing in any field (credentials included) never do.
// Unreferenced connections are closed after the idle timeout. Connections
// that drop remove themselves; the next Acquire reconnects.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Pool struct {
	dial   Dialer
	idle   time.Duration
	logger Logger

	mu      sync.Mutex
	entries map[Target]*entry
	closed  bool

	// group collapses concurrent handshakes for the same target into one.
	group singleflight.Group
	wg    sync.WaitGroup

	connects  atomic.Int64
	evictions atomic.Int64
	drops     atomic.Int64
}

// entry is one pooled connection. All fields are guarded by Pool.mu.
type entry struct {
	target   Target
	conn     Conn
	refs     int
	lastUsed time.Time

	// idle fires eviction; gen invalidates timers that were superseded.
	idle *time.Timer
	gen  uint64
}

// Lease is one reference to a pooled connection.
type Lease struct {
	pool  *Pool
	entry *entry
	once  sync.Once
}

// NewPool creates a pool that opens connections with dial and closes them
// after idle without references.
func NewPool(dial Dialer, idle time.Duration, logger Logger) *Pool {
	if logger == nil {
		logger = discardLogger()
	}
	return &Pool{
		dial:    dial,
		idle:    idle,
		logger:  logger,
		entries: make(map[Target]*entry),
	}
}

// Acquire returns a lease on a live connection to target, connecting if
// needed.
//
// Concurrent Acquire calls for a target without a live connection share a
// single handshake. The handshake itself is not cancelled by ctx, so one
// impatient caller cannot fail the others; ctx only stops this caller from
// waiting.
//
// Returns:
//   - *Lease: Reference that must be released exactly once
//   - error: *Error of kind KindBrokerUnreachable, KindBrokerRejected,
//     KindCancelled or KindInternal (pool closed)
func (p *Pool) Acquire(ctx context.Context, target Target) (*Lease, error) {
	for i := 0; i < maxAcquireAttempts; i++ {
		if lease, err := p.claim(target); lease != nil || err != nil {
			return lease, err
		}

		ch := p.group.DoChan(flightKey(target), func() (any, error) {
			return nil, p.connect(context.WithoutCancel(ctx), target)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, newError(KindCancelled, NoIndex, ctx.Err())
		}
	}
	return nil, newError(KindBrokerUnreachable, NoIndex,
		fmt.Errorf("connection to %s dropped before it could be used", target))
}

// claim takes a reference on a live pooled connection. It returns a nil
// lease and nil error when there is none.
func (p *Pool) claim(target Target) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, newError(KindInternal, NoIndex, ErrPoolClosed)
	}

	e := p.entries[target]
	if e == nil || isDone(e.conn) {
		return nil, nil
	}

	e.refs++
	e.lastUsed = time.Now()
	e.stopIdle()
	return &Lease{pool: p, entry: e}, nil
}

// connect dials target and inserts the new entry unreferenced.
func (p *Pool) connect(ctx context.Context, target Target) error {
	conn, err := p.dial(ctx, target)
	if err != nil {
		p.logger.Warn("broker connect failed", "broker", target.String(), "error", err)
		return classifyDialError(err)
	}
	p.connects.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return newError(KindInternal, NoIndex, ErrPoolClosed)
	}
	if old := p.entries[target]; old != nil {
		old.stopIdle()
	}
	e := &entry{target: target, conn: conn, lastUsed: time.Now()}
	p.entries[target] = e
	p.armIdle(e, max(p.idle, minClaimGrace))
	p.wg.Add(1)
	p.mu.Unlock()

	go p.watch(e)

	p.logger.Info("broker connected", "broker", target.String())
	return nil
}

// watch removes e from the pool once its connection terminates.
func (p *Pool) watch(e *entry) {
	defer p.wg.Done()

	<-e.conn.Done()

	p.mu.Lock()
	removed := false
	if p.entries[e.target] == e {
		delete(p.entries, e.target)
		e.stopIdle()
		removed = true
	}
	p.mu.Unlock()

	if err := e.conn.Err(); removed && err != nil && !errors.Is(err, mqtt.ErrClosed) {
		p.drops.Add(1)
		p.logger.Warn("broker connection dropped", "broker", e.target.String(), "error", err)
	}
}

// release drops one reference and arms idle eviction at zero.
func (p *Pool) release(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.refs--
	e.lastUsed = time.Now()
	if e.refs > 0 || p.entries[e.target] != e {
		return
	}
	p.armIdle(e, p.idle)
}

// armIdle schedules eviction of e after d. The caller holds p.mu.
func (p *Pool) armIdle(e *entry, d time.Duration) {
	e.stopIdle()
	gen := e.gen
	e.idle = time.AfterFunc(d, func() { p.evictIfIdle(e, gen) })
}

// stopIdle cancels a pending eviction. The caller holds p.mu.
func (e *entry) stopIdle() {
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	e.gen++
}

// evictIfIdle closes e if it is still pooled, unreferenced and the timer
// that fired is the current one.
func (p *Pool) evictIfIdle(e *entry, gen uint64) {
	p.mu.Lock()
	if e.gen != gen || e.refs > 0 || p.entries[e.target] != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, e.target)
	e.idle = nil
	p.mu.Unlock()

	p.evictions.Add(1)
	p.logger.Debug("evicting idle broker connection", "broker", e.target.String())
	if err := e.conn.Close(); err != nil {
		p.logger.Warn("closing idle broker connection", "broker", e.target.String(), "error", err)
	}
}

// Stats returns connection and reference counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{Connections: len(p.entries)}
	for _, e := range p.entries {
		stats.References += e.refs
	}
	p.mu.Unlock()

	stats.Connects = p.connects.Load()
	stats.Evictions = p.evictions.Load()
	stats.Drops = p.drops.Load()
	return stats
}

// Close closes every pooled connection. Later Acquire calls fail with
// ErrPoolClosed. Close waits for connection watchers to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[Target]*entry)
	for _, e := range entries {
		e.stopIdle()
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", e.target, err))
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn {
	return l.entry.conn
}

// Target returns the leased connection's target.
func (l *Lease) Target() Target {
	return l.entry.target
}

// Release returns the reference. Calls after the first are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.entry) })
}

// classifyDialError maps connection errors onto bridge kinds.
func classifyDialError(err error) error {
	if errors.Is(err, mqtt.ErrConnectionRefused) {
		return newError(KindBrokerRejected, NoIndex, err)
	}
	return newError(KindBrokerUnreachable, NoIndex, err)
}

// flightKey is the singleflight key for target. Each field is length
// prefixed, so distinct targets never share a key whatever bytes their
// credentials hold.
func flightKey(t Target) string {
	var b strings.Builder
	for _, f := range []string{t.Scheme, t.Host, strconv.Itoa(t.Port), t.Path, t.Username, t.Password} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}

func isDone(c Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
