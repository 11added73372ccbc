package sim

import (
	"slices"
	"sort"
)

// CommandQueue keeps envelopes sorted by target tick and enqueue order.
// It is owned by one timeline and only touched from the scheduler thread.
type CommandQueue struct {
	entries []Envelope
}

// Push inserts env after every entry that orders before or equal to it.
func (q *CommandQueue) Push(env Envelope) {
	idx := sort.Search(len(q.entries), func(i int) bool {
		return env.before(q.entries[i])
	})
	q.entries = slices.Insert(q.entries, idx, env)
}

func (q *CommandQueue) Len() int {
	return len(q.entries)
}

// Peek returns the next envelope without removing it.
func (q *CommandQueue) Peek() (Envelope, bool) {
	if len(q.entries) == 0 {
		return Envelope{}, false
	}
	return q.entries[0], true
}

// PopDue removes and returns the leading envelopes targeting tick.
// Entries for later ticks stay queued.
func (q *CommandQueue) PopDue(tick uint64) []Envelope {
	n := 0
	for n < len(q.entries) && q.entries[n].TargetTick == tick {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]Envelope, n)
	copy(due, q.entries[:n])
	q.entries = slices.Delete(q.entries, 0, n)
	return due
}

// Clear empties the queue and returns what it held.
func (q *CommandQueue) Clear() []Envelope {
	dropped := q.entries
	q.entries = nil
	return dropped
}

// Entries copies the pending envelopes in dispatch order.
func (q *CommandQueue) Entries() []Envelope {
	return slices.Clone(q.entries)
}
