package mqtt

import (
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// maxPacketID is the largest MQTT packet identifier; 0 is never used.
const maxPacketID = 65535

// ackBuffer holds the acknowledgments one exchange can receive
// (PUBREC then PUBCOMP for QoS 2).
const ackBuffer = 2

// pending is one reserved packet identifier.
type pending struct {
	acks chan packets.ControlPacket

	// abandoned is set when the exchange stopped waiting before its final
	// acknowledgment. The identifier stays reserved until that
	// acknowledgment arrives, so a late one can never match a newer
	// exchange reusing the identifier.
	abandoned bool
}

// packetIDs allocates connection-scoped packet identifiers and routes
// acknowledgments to the exchange that owns each identifier.
//
// Identifiers are handed out in increasing order, wrapping from 65535 back
// to 1 and skipping any identifier still in flight or abandoned.
//
// Thread Safety:
//   - Not safe for concurrent use; Conn guards it with pendingMu.
type packetIDs struct {
	last  uint16
	inUse map[uint16]*pending
	limit int
}

func newPacketIDs() *packetIDs {
	return &packetIDs{
		inUse: make(map[uint16]*pending),
		limit: maxPacketID,
	}
}

// claim reserves the next free identifier and returns the channel its
// acknowledgments will arrive on.
func (p *packetIDs) claim() (uint16, chan packets.ControlPacket, error) {
	if len(p.inUse) >= p.limit {
		return 0, nil, ErrNoPacketIDs
	}
	for i := 0; i < maxPacketID; i++ {
		p.last++
		if p.last == 0 {
			p.last = 1
		}
		if _, busy := p.inUse[p.last]; busy {
			continue
		}
		ch := make(chan packets.ControlPacket, ackBuffer)
		p.inUse[p.last] = &pending{acks: ch}
		return p.last, ch, nil
	}
	return 0, nil, ErrNoPacketIDs
}

// release frees id for reuse.
func (p *packetIDs) release(id uint16) {
	delete(p.inUse, id)
}

// abandon marks id as no longer awaited. It reports false if id is not
// reserved.
func (p *packetIDs) abandon(id uint16) bool {
	e := p.inUse[id]
	if e == nil {
		return false
	}
	e.abandoned = true
	return true
}

// route returns the reservation for id, or nil if id is not reserved.
func (p *packetIDs) route(id uint16) *pending {
	return p.inUse[id]
}

// reset drops every reservation. Used once the connection is gone.
func (p *packetIDs) reset() {
	clear(p.inUse)
}

// inFlight reports how many identifiers are reserved.
func (p *packetIDs) inFlight() int {
	return len(p.inUse)
}

// isFinalAck reports whether pkt completes the exchange it acknowledges.
// PUBREC is the only intermediate acknowledgment.
func isFinalAck(pkt packets.ControlPacket) bool {
	switch pkt.(type) {
	case *packets.PubackPacket, *packets.PubcompPacket, *packets.SubackPacket, *packets.UnsubackPacket:
		return true
	default:
		return false
	}
}
