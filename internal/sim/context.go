package sim

import "errors"

// ExecContext holds the state a command or step executes under: the active
// generator, the active id block, the faction stack and whether the running
// command was issued by this peer. One scheduler owns exactly one.
type ExecContext struct {
	rand          Generator
	block         *IDBlock
	factions      FactionStack
	timeline      TimelineRef
	inTimeline    bool
	issuedLocally bool

	onExhausted func(TimelineRef, error)
}

// ContextSnapshot is the saved form of an ExecContext.
type ContextSnapshot struct {
	rand          GeneratorState
	block         *IDBlock
	depth         int
	timeline      TimelineRef
	inTimeline    bool
	issuedLocally bool
}

func NewExecContext() *ExecContext {
	return &ExecContext{}
}

func (c *ExecContext) Save() ContextSnapshot {
	return ContextSnapshot{
		rand:          c.rand.State(),
		block:         c.block,
		depth:         c.factions.Depth(),
		timeline:      c.timeline,
		inTimeline:    c.inTimeline,
		issuedLocally: c.issuedLocally,
	}
}

// Restore reinstalls a snapshot. Factions pushed since the snapshot are popped.
func (c *ExecContext) Restore(s ContextSnapshot) {
	c.rand.SetState(s.rand)
	c.block = s.block
	c.factions.truncate(s.depth)
	c.timeline = s.timeline
	c.inTimeline = s.inTimeline
	c.issuedLocally = s.issuedLocally
}

func (c *ExecContext) install(ref TimelineRef, state GeneratorState, block *IDBlock, issuedLocally bool) {
	c.rand.SetState(state)
	c.block = block
	c.timeline = ref
	c.inTimeline = true
	c.issuedLocally = issuedLocally
}

// Rand returns the active generator. Draws advance the running timeline's stream.
func (c *ExecContext) Rand() *Generator {
	return &c.rand
}

// NextID allocates from the active id block.
func (c *ExecContext) NextID() (int32, error) {
	id, err := c.block.Next()
	if err != nil && errors.Is(err, ErrIDBlockExhausted) && c.onExhausted != nil && c.inTimeline {
		c.onExhausted(c.timeline, err)
	}
	return id, err
}

func (c *ExecContext) IDBlock() *IDBlock {
	return c.block
}

func (c *ExecContext) Factions() *FactionStack {
	return &c.factions
}

// Faction returns the acting faction or NoFaction.
func (c *ExecContext) Faction() FactionID {
	id, _ := c.factions.Current()
	return id
}

// Timeline reports which timeline is executing, if any.
func (c *ExecContext) Timeline() (TimelineRef, bool) {
	return c.timeline, c.inTimeline
}

func (c *ExecContext) IssuedLocally() bool {
	return c.issuedLocally
}
