package sim

import "testing"

func TestInboxWraparound(t *testing.T) {
	inbox := NewInbox(3, 0, nil)
	for i := 1; i <= 3; i++ {
		if ok, _ := inbox.PushEnvelope("", Envelope{Seq: uint64(i)}); !ok {
			t.Fatalf("expected push %d to succeed", i)
		}
	}
	if ok, reason := inbox.PushEnvelope("", Envelope{Seq: 4}); ok || reason != DeliveryRejectFull {
		t.Fatalf("expected full inbox rejection, got ok=%v reason=%q", ok, reason)
	}
	drained := inbox.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(drained))
	}
	for i, d := range drained {
		if d.Envelope.Seq != uint64(i+1) {
			t.Fatalf("expected FIFO order, got %+v", drained)
		}
	}
	// Push again to ensure the indices wrap correctly.
	inbox.PushEnvelope("", Envelope{Seq: 5})
	inbox.PushCeiling("", 40)
	wrapped := inbox.Drain()
	if len(wrapped) != 2 || wrapped[0].Envelope.Seq != 5 || wrapped[1].Kind != DeliverCeiling || wrapped[1].Ceiling != 40 {
		t.Fatalf("unexpected order after wraparound: %+v", wrapped)
	}
}

func TestInboxPerPeerLimit(t *testing.T) {
	inbox := NewInbox(8, 2, nil)
	inbox.PushEnvelope("a", Envelope{})
	inbox.PushEnvelope("a", Envelope{})
	if ok, reason := inbox.PushEnvelope("a", Envelope{}); ok || reason != DeliveryRejectPeerLimit {
		t.Fatalf("expected peer limit, got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := inbox.PushEnvelope("b", Envelope{}); !ok {
		t.Fatalf("expected other peer to be accepted")
	}
	if ok, _ := inbox.PushCeiling("a", 10); !ok {
		t.Fatalf("expected ceiling to bypass the peer limit")
	}
	inbox.Drain()
	if ok, _ := inbox.PushEnvelope("a", Envelope{}); !ok {
		t.Fatalf("expected limit to reset after drain")
	}
}

func TestInboxCopiesPayload(t *testing.T) {
	inbox := NewInbox(1, 0, nil)
	payload := []byte{1, 2, 3}
	inbox.PushEnvelope("", Envelope{Payload: payload})
	payload[0] = 9
	if got := inbox.Drain()[0].Envelope.Payload[0]; got != 1 {
		t.Fatalf("expected staged payload to be isolated, got %d", got)
	}
}
