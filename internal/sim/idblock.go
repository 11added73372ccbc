package sim

import (
	"fmt"
	"sync/atomic"
)

// IDBlock hands out the ids in [Start, Start+Size) once each.
type IDBlock struct {
	start  int32
	size   int32
	offset atomic.Int32
}

// IDBlockState is the persisted form of an IDBlock.
type IDBlockState struct {
	Start  int32 `json:"start"`
	Size   int32 `json:"size"`
	Offset int32 `json:"offset"`
}

func NewIDBlock(start, size int32) *IDBlock {
	return &IDBlock{start: start, size: max(size, 0)}
}

// RestoreIDBlock rebuilds a block from its persisted state.
func RestoreIDBlock(state IDBlockState) *IDBlock {
	block := NewIDBlock(state.Start, state.Size)
	block.offset.Store(min(max(state.Offset, 0), block.size))
	return block
}

// Next returns the next unused id or ErrIDBlockExhausted.
func (b *IDBlock) Next() (int32, error) {
	if b == nil {
		return 0, ErrNoIDBlock
	}
	n := b.offset.Add(1) - 1
	if n >= b.size {
		b.offset.Add(-1)
		return 0, fmt.Errorf("%w: start=%d size=%d", ErrIDBlockExhausted, b.start, b.size)
	}
	return b.start + n, nil
}

func (b *IDBlock) Remaining() int32 {
	if b == nil {
		return 0
	}
	return b.size - b.offset.Load()
}

func (b *IDBlock) Exhausted() bool {
	return b == nil || b.Remaining() <= 0
}

func (b *IDBlock) State() IDBlockState {
	if b == nil {
		return IDBlockState{}
	}
	return IDBlockState{Start: b.start, Size: b.size, Offset: b.offset.Load()}
}
