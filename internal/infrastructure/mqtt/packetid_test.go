package mqtt

import (
	"errors"
	"testing"
)

func TestPacketIDs_Sequential(t *testing.T) {
	ids := newPacketIDs()

	for want := uint16(1); want <= 3; want++ {
		id, ch, err := ids.claim()
		if err != nil {
			t.Fatalf("claim() error = %v", err)
		}
		if id != want {
			t.Errorf("claim() = %d, want %d", id, want)
		}
		if ch == nil {
			t.Error("claim() returned nil ack channel")
		}
	}

	if got := ids.inFlight(); got != 3 {
		t.Errorf("inFlight() = %d, want 3", got)
	}
}

func TestPacketIDs_WrapsAndSkipsInFlight(t *testing.T) {
	ids := newPacketIDs()
	ids.last = 65533

	// 65534 stays in flight across the wrap.
	busy, _, err := ids.claim()
	if err != nil || busy != 65534 {
		t.Fatalf("claim() = %d, %v; want 65534", busy, err)
	}
	// Occupy 1 so the wrap has to skip it too.
	ids.inUse[1] = &pending{}

	id, _, _ := ids.claim()
	if id != 65535 {
		t.Fatalf("claim() = %d, want 65535", id)
	}
	ids.release(id)

	id, _, _ = ids.claim()
	if id != 2 {
		t.Errorf("claim() after wrap = %d, want 2 (0 is reserved, 1 in flight)", id)
	}

	ids.release(busy)
	ids.last = 65533
	id, _, _ = ids.claim()
	if id != 65534 {
		t.Errorf("claim() after release = %d, want 65534", id)
	}
}

func TestPacketIDs_Exhaustion(t *testing.T) {
	ids := newPacketIDs()
	ids.limit = 2

	for i := 0; i < 2; i++ {
		if _, _, err := ids.claim(); err != nil {
			t.Fatalf("claim() error = %v", err)
		}
	}

	if _, _, err := ids.claim(); !errors.Is(err, ErrNoPacketIDs) {
		t.Errorf("claim() error = %v, want ErrNoPacketIDs", err)
	}

	ids.release(1)
	id, _, err := ids.claim()
	if err != nil {
		t.Fatalf("claim() after release error = %v", err)
	}
	if id != 3 {
		t.Errorf("claim() after release = %d, want 3", id)
	}
}

func TestPacketIDs_Route(t *testing.T) {
	ids := newPacketIDs()
	id, ch, _ := ids.claim()

	if got := ids.route(id); got == nil || got.acks != ch {
		t.Error("route() did not return the claimed channel")
	}
	if got := ids.route(id + 1); got != nil {
		t.Error("route() for an unclaimed id should be nil")
	}

	ids.release(id)
	if got := ids.route(id); got != nil {
		t.Error("route() after release should be nil")
	}
}

func TestPacketIDs_AbandonedStaysReserved(t *testing.T) {
	ids := newPacketIDs()
	ids.limit = 2

	id, _, _ := ids.claim()
	if !ids.abandon(id) {
		t.Fatal("abandon() = false for a claimed id")
	}
	if ids.abandon(id + 100) {
		t.Error("abandon() = true for an unclaimed id")
	}

	// Wrap back around: the abandoned id must be skipped.
	ids.last = maxPacketID
	next, _, err := ids.claim()
	if err != nil {
		t.Fatalf("claim() error = %v", err)
	}
	if next == id {
		t.Errorf("claim() reused abandoned id %d", id)
	}
	if got := ids.route(id); got == nil || !got.abandoned {
		t.Error("route() should report the abandoned reservation")
	}

	ids.reset()
	if got := ids.inFlight(); got != 0 {
		t.Errorf("inFlight() after reset = %d, want 0", got)
	}
}
