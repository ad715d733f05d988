package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// disconnectTimeout bounds the DISCONNECT write during Close.
const disconnectTimeout = time.Second

// Conn is one live MQTT session.
//
// A Conn never reconnects: once the network connection fails, Done is
// closed, every pending operation and Waiter fails with ErrConnectionLost,
// and the owner is expected to discard it.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Lock order is subMu → writeMu → pendingMu; waitMu is never held
//     together with another lock.
type Conn struct {
	opts   Options
	conn   net.Conn
	reader *bufio.Reader
	logger Logger

	// writeMu serialises packet writes so they never interleave.
	writeMu sync.Mutex

	// ids tracks in-flight packet identifiers and their ack channels.
	ids       *packetIDs
	pendingMu sync.Mutex

	// waiters maps exact topics to the Waiters blocked on them.
	waiters map[string]map[*Waiter]struct{}
	closed  bool
	waitMu  sync.Mutex

	// subs reference-counts broker subscriptions by topic.
	subs  map[string]*subscription
	subMu sync.Mutex

	// inbound holds QoS 2 packet ids received but not yet released by
	// PUBREL. Only the read loop touches it.
	inbound map[uint16]struct{}

	// pingOutstanding is set when a PINGREQ is sent and cleared by PINGRESP.
	pingOutstanding atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// Dial connects to the broker described by opts and completes the
// CONNECT/CONNACK handshake.
//
// The whole dial and handshake is bounded by opts.ConnectTimeout and by ctx.
// ctx only governs establishment; the returned Conn lives until Close or a
// network failure.
//
// Returns:
//   - *Conn: Connected session ready for use
//   - error: ErrConnectionFailed (network, timeout) or ErrConnectionRefused
//     (broker returned a non-zero CONNACK code)
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	nc, err := dialTransport(dialCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c, err := establish(dialCtx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// establish runs the handshake on an already open transport and starts the
// connection goroutines.
func establish(ctx context.Context, nc net.Conn, opts Options) (*Conn, error) {
	c := &Conn{
		opts:    opts,
		conn:    nc,
		reader:  bufio.NewReader(nc),
		logger:  opts.Logger,
		ids:     newPacketIDs(),
		waiters: make(map[string]map[*Waiter]struct{}),
		subs:    make(map[string]*subscription),
		inbound: make(map[uint16]struct{}),
		done:    make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	if opts.KeepAlive > 0 {
		c.wg.Add(1)
		go c.keepAlive()
	}

	c.logger.Debug("mqtt connected", "address", opts.Address, "network", opts.Network, "client_id", opts.ClientID)
	return c, nil
}

// handshake sends CONNECT and waits for an accepting CONNACK.
func (c *Conn) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	// Unblock the reads below if ctx is cancelled before its deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = protocolName
	connect.ProtocolVersion = protocolLevel
	connect.CleanSession = true
	connect.ClientIdentifier = c.opts.ClientID
	connect.Keepalive = c.opts.keepAliveSeconds()
	if c.opts.Username != "" {
		connect.UsernameFlag = true
		connect.Username = c.opts.Username
		if c.opts.Password != "" {
			connect.PasswordFlag = true
			connect.Password = []byte(c.opts.Password)
		}
	}

	if err := writePacket(c.conn, connect); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, handshakeErr(ctx, err))
	}

	pkt, err := packets.ReadPacket(c.reader)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, handshakeErr(ctx, err))
	}

	connack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		return fmt.Errorf("%w: %w: expected CONNACK, got %s", ErrConnectionFailed, ErrProtocol, pkt.String())
	}
	if connack.ReturnCode != packets.Accepted {
		reason, known := packets.ConnackReturnCodes[connack.ReturnCode]
		if !known {
			reason = "unknown return code"
		}
		return fmt.Errorf("%w: %s (code %d)", ErrConnectionRefused, reason, connack.ReturnCode)
	}

	return c.conn.SetDeadline(time.Time{})
}

// handshakeErr prefers the context's reason over the raw I/O error that
// the forced deadline produced.
func handshakeErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", ctxErr, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w (%w)", context.DeadlineExceeded, err)
	}
	return err
}

// Done is closed when the connection has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection terminated, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// IsClosed reports whether the connection has terminated.
func (c *Conn) IsClosed() bool {
	return c.Err() != nil
}

// ClientID returns the client identifier sent in CONNECT.
func (c *Conn) ClientID() string {
	return c.opts.ClientID
}

// Close sends DISCONNECT, closes the transport and waits for the
// connection goroutines to exit. Outstanding operations and Waiters fail
// with ErrConnectionLost. Close is idempotent.
func (c *Conn) Close() error {
	if !c.IsClosed() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(disconnectTimeout))
		_ = writePacket(c.conn, packets.NewControlPacket(packets.Disconnect))
		c.writeMu.Unlock()
	}
	c.shutdown(ErrClosed)
	c.wg.Wait()
	return nil
}

// shutdown records cause, closes the transport and fails everything that
// is waiting on this connection. Only the first call has any effect.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.done)
		c.conn.Close()

		c.waitMu.Lock()
		c.closed = true
		waiting := c.waiters
		c.waiters = nil
		c.waitMu.Unlock()

		c.pendingMu.Lock()
		c.ids.reset()
		c.pendingMu.Unlock()

		lost := c.lostError()
		for _, set := range waiting {
			for w := range set {
				w.resolve(Message{}, lost)
			}
		}

		if !errors.Is(cause, ErrClosed) {
			c.logger.Warn("mqtt connection lost", "address", c.opts.Address, "client_id", c.opts.ClientID, "error", cause)
		}
	})
}

// lostError is the error reported to operations cut short by shutdown.
func (c *Conn) lostError() error {
	return fmt.Errorf("%w: %w", ErrConnectionLost, c.err)
}

// =============================================================================
// Writing
// =============================================================================

// writePacket encodes pkt fully before writing so that it reaches the
// transport in one Write call (one frame on WebSocket).
func writePacket(w net.Conn, pkt packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// write sends pkt under the write mutex.
func (c *Conn) write(pkt packets.ControlPacket) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(pkt)
}

// writeLocked sends pkt; the caller holds writeMu. A failed write tears the
// connection down since the stream position is now unknown.
func (c *Conn) writeLocked(pkt packets.ControlPacket) error {
	if c.IsClosed() {
		return c.lostError()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := writePacket(c.conn, pkt); err != nil {
		c.shutdown(err)
		return c.lostError()
	}
	return nil
}

// writeWithID reserves a packet identifier, lets build stamp it into a
// packet and writes that packet, all under the write mutex so identifiers
// reach the wire in allocation order.
//
// On success the caller owns the identifier and must release or abandon it.
func (c *Conn) writeWithID(build func(id uint16) packets.ControlPacket) (uint16, <-chan packets.ControlPacket, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pendingMu.Lock()
	id, ch, err := c.ids.claim()
	c.pendingMu.Unlock()
	if err != nil {
		return 0, nil, err
	}

	if err := c.writeLocked(build(id)); err != nil {
		c.releaseID(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// releaseID frees a packet identifier whose exchange completed.
func (c *Conn) releaseID(id uint16) {
	c.pendingMu.Lock()
	c.ids.release(id)
	c.pendingMu.Unlock()
}

// abandonID stops waiting on the exchange holding id without freeing the
// identifier. The broker's final acknowledgment, or shutdown, frees it.
// Acknowledgments already buffered on acks are settled here.
func (c *Conn) abandonID(id uint16, acks <-chan packets.ControlPacket) {
	c.pendingMu.Lock()
	if !c.ids.abandon(id) {
		c.pendingMu.Unlock()
		return
	}
	pubrec := false
	for len(acks) > 0 {
		pkt := <-acks
		if isFinalAck(pkt) {
			c.ids.release(id)
			c.pendingMu.Unlock()
			return
		}
		_, pubrec = pkt.(*packets.PubrecPacket)
	}
	c.pendingMu.Unlock()

	if pubrec {
		_ = c.sendPubrel(id)
	}
}

// sendPubrel answers a PUBREC for id.
func (c *Conn) sendPubrel(id uint16) error {
	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = id
	return c.write(rel)
}

// spawn runs fn on a connection goroutine that Close waits for. It reports
// false, and runs nothing, once the connection has shut down.
func (c *Conn) spawn(fn func()) bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// InFlight reports how many packet identifiers are currently reserved.
func (c *Conn) InFlight() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.ids.inFlight()
}

// await blocks until an acknowledgment arrives on ch, the ack timeout
// elapses, ctx is done or the connection terminates.
func (c *Conn) await(ctx context.Context, ch <-chan packets.ControlPacket) (packets.ControlPacket, error) {
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		return pkt, nil
	case <-c.done:
		return nil, c.lostError()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: no acknowledgment within %v", ErrTimeout, c.opts.AckTimeout)
	}
}

// =============================================================================
// Reading
// =============================================================================

// readLoop is the single consumer of inbound packets.
func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		pkt, err := packets.ReadPacket(c.reader)
		if err != nil {
			c.shutdown(err)
			return
		}
		if err := c.dispatch(pkt); err != nil {
			c.shutdown(err)
			return
		}
	}
}

// dispatch routes one inbound packet.
func (c *Conn) dispatch(pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return c.handlePublish(p)
	case *packets.PubrelPacket:
		delete(c.inbound, p.MessageID)
		comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		comp.MessageID = p.MessageID
		return c.write(comp)
	case *packets.PubackPacket:
		return c.routeAck(p.MessageID, p)
	case *packets.PubrecPacket:
		return c.routeAck(p.MessageID, p)
	case *packets.PubcompPacket:
		return c.routeAck(p.MessageID, p)
	case *packets.SubackPacket:
		return c.routeAck(p.MessageID, p)
	case *packets.UnsubackPacket:
		return c.routeAck(p.MessageID, p)
	case *packets.PingrespPacket:
		c.pingOutstanding.Store(false)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocol, pkt.String())
	}
	return nil
}

// routeAck hands an acknowledgment to the exchange waiting on id.
// Acknowledgments for abandoned exchanges complete the flow on their own:
// a final one frees the identifier, a PUBREC is answered with PUBREL.
// Acknowledgments for identifiers not reserved at all are dropped.
func (c *Conn) routeAck(id uint16, pkt packets.ControlPacket) error {
	c.pendingMu.Lock()
	e := c.ids.route(id)
	if e == nil {
		c.pendingMu.Unlock()
		c.logger.Debug("mqtt dropping unmatched acknowledgment", "packet_id", id, "packet", pkt.String())
		return nil
	}
	if e.abandoned {
		final := isFinalAck(pkt)
		if final {
			c.ids.release(id)
		}
		c.pendingMu.Unlock()
		if _, ok := pkt.(*packets.PubrecPacket); ok {
			return c.sendPubrel(id)
		}
		return nil
	}
	// Sent under pendingMu so abandonID sees every buffered acknowledgment.
	select {
	case e.acks <- pkt:
	default:
		c.logger.Warn("mqtt dropping surplus acknowledgment", "packet_id", id, "packet", pkt.String())
	}
	c.pendingMu.Unlock()
	return nil
}

// handlePublish acknowledges an inbound PUBLISH and hands it to Waiters.
func (c *Conn) handlePublish(p *packets.PublishPacket) error {
	msg := Message{
		Topic:    p.TopicName,
		Payload:  p.Payload,
		QoS:      p.Qos,
		Retained: p.Retain,
	}

	switch p.Qos {
	case 0:
		c.deliver(msg)
	case 1:
		c.deliver(msg)
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return c.write(ack)
	case 2:
		// A repeat before PUBREL is the broker retrying; it was already delivered.
		if _, seen := c.inbound[p.MessageID]; !seen {
			c.inbound[p.MessageID] = struct{}{}
			c.deliver(msg)
		}
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		return c.write(rec)
	default:
		return fmt.Errorf("%w: PUBLISH with QoS %d", ErrProtocol, p.Qos)
	}
	return nil
}

// =============================================================================
// Keepalive
// =============================================================================

// keepAlive sends PINGREQ every KeepAlive interval and closes the
// connection when the previous PINGREQ went unanswered for a full interval.
func (c *Conn) keepAlive() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.pingOutstanding.Load() {
				c.shutdown(fmt.Errorf("%w: no PINGRESP within %v", ErrTimeout, c.opts.KeepAlive))
				return
			}
			c.pingOutstanding.Store(true)
			if err := c.write(packets.NewControlPacket(packets.Pingreq)); err != nil {
				return
			}
		}
	}
}
