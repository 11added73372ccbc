package journal

import (
	"fmt"

	"lockstep/server/internal/sim"
)

// Policy decides when checksum mismatches are frequent enough to resync.
type Policy struct {
	checks     uint64
	mismatches uint64
	pending    bool
	reasons    []sim.ResyncReason
}

const mismatchThresholdPerTenThousand = 1
const resyncReasonLimit = 8

func NewPolicy() *Policy {
	return &Policy{reasons: make([]sim.ResyncReason, 0, resyncReasonLimit)}
}

func (p *Policy) NoteCheck() {
	if p == nil {
		return
	}
	if p.checks == ^uint64(0) {
		p.checks /= 2
		p.mismatches /= 2
	}
	p.checks++
}

func (p *Policy) NoteMismatch(reason sim.ResyncReason) {
	if p == nil {
		return
	}
	p.NoteCheck()
	p.mismatches++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, reason)
	}
	p.evaluate()
}

func (p *Policy) evaluate() {
	if p == nil || p.pending || p.mismatches == 0 {
		return
	}
	total := max(p.checks, 1)
	if p.mismatches*10000 >= total*mismatchThresholdPerTenThousand {
		p.pending = true
	}
}

func (p *Policy) Consume() (sim.ResyncSignal, bool) {
	if p == nil || !p.pending {
		return sim.ResyncSignal{}, false
	}
	signal := sim.ResyncSignal{
		Mismatches: p.mismatches,
		Checks:     p.checks,
		Reasons:    append([]sim.ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.checks = 0
	p.mismatches = 0
	p.reasons = p.reasons[:0]
	return signal, true
}

// Summary renders a signal for operator logs.
func Summary(s sim.ResyncSignal) string {
	if s.Mismatches == 0 && s.Checks == 0 {
		return ""
	}
	return fmt.Sprintf("mismatches=%d checks=%d reasons=%v", s.Mismatches, s.Checks, s.Reasons)
}
