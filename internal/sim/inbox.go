package sim

import "sync"

const (
	inboxOccupancyMetricKey = "sim_inbox_occupancy"
	inboxOverflowMetricKey  = "sim_inbox_overflow_total"
)

const (
	// DeliveryRejectPeerLimit indicates a peer exceeded its per-frame share of the inbox.
	DeliveryRejectPeerLimit = "peer_limit"
	// DeliveryRejectFull indicates the inbox is saturated.
	DeliveryRejectFull = "inbox_full"
)

// DeliveryKind distinguishes what a transport handed to the scheduler.
type DeliveryKind uint8

const (
	DeliverEnvelope DeliveryKind = iota
	DeliverCeiling
)

// Delivery is one item crossing from transport goroutines to the scheduler
// thread. Envelopes and ceiling raises share a queue so their relative order
// is preserved.
type Delivery struct {
	Kind     DeliveryKind
	Envelope Envelope
	Ceiling  uint64
	Origin   string
}

// Inbox stores deliveries in a fixed-size ring. It is safe for concurrent
// producers and a single consumer.
type Inbox struct {
	mu           sync.Mutex
	data         []Delivery
	head         int
	tail         int
	count        int
	perPeerLimit int
	perPeer      map[string]int
	metrics      telemetryMetrics
}

type telemetryMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// NewInbox constructs a ring with the provided capacity. A positive
// perPeerLimit caps how many deliveries one origin may stage between flushes.
func NewInbox(capacity, perPeerLimit int, metrics telemetryMetrics) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{
		data:         make([]Delivery, capacity),
		perPeerLimit: perPeerLimit,
		perPeer:      make(map[string]int),
		metrics:      metrics,
	}
}

// Capacity reports the maximum number of deliveries the inbox can hold.
func (b *Inbox) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages a delivery. It returns false and a reason when it is refused.
func (b *Inbox) Push(d Delivery) (bool, string) {
	if b == nil {
		return false, DeliveryRejectFull
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.perPeerLimit > 0 && d.Origin != "" && d.Kind == DeliverEnvelope {
		if b.perPeer[d.Origin] >= b.perPeerLimit {
			b.addMetric(inboxOverflowMetricKey)
			return false, DeliveryRejectPeerLimit
		}
	}
	if b.count == len(b.data) {
		b.addMetric(inboxOverflowMetricKey)
		return false, DeliveryRejectFull
	}
	b.data[b.tail] = d
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	if d.Origin != "" && d.Kind == DeliverEnvelope {
		b.perPeer[d.Origin]++
	}
	b.storeOccupancyLocked()
	return true, ""
}

// PushEnvelope stages an envelope from origin.
func (b *Inbox) PushEnvelope(origin string, env Envelope) (bool, string) {
	return b.Push(Delivery{Kind: DeliverEnvelope, Envelope: env.clone(), Origin: origin})
}

// PushCeiling stages a tick ceiling raise.
func (b *Inbox) PushCeiling(origin string, tick uint64) (bool, string) {
	return b.Push(Delivery{Kind: DeliverCeiling, Ceiling: tick, Origin: origin})
}

// Drain returns all staged deliveries in FIFO order and clears the inbox.
func (b *Inbox) Drain() []Delivery {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]Delivery, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)]
		b.data[(b.head+i)%len(b.data)] = Delivery{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	clear(b.perPeer)
	b.storeOccupancyLocked()
	return out
}

// Len reports the number of staged deliveries.
func (b *Inbox) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Inbox) addMetric(key string) {
	if b.metrics != nil {
		b.metrics.Add(key, 1)
	}
}

func (b *Inbox) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(inboxOccupancyMetricKey, uint64(b.count))
}
