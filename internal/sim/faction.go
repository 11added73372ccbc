package sim

// FactionStack scopes the acting faction. The top entry is the faction side
// effects are attributed to; an empty stack is a valid unowned context.
type FactionStack struct {
	stack []FactionID
}

func (s *FactionStack) Push(id FactionID) {
	s.stack = append(s.stack, id)
}

// Pop removes the top entry. It reports false on an empty stack.
func (s *FactionStack) Pop() (FactionID, bool) {
	if len(s.stack) == 0 {
		return NoFaction, false
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return top, true
}

// Current returns the acting faction, or NoFaction when the stack is empty.
func (s *FactionStack) Current() (FactionID, bool) {
	if len(s.stack) == 0 {
		return NoFaction, false
	}
	return s.stack[len(s.stack)-1], true
}

func (s *FactionStack) Depth() int {
	return len(s.stack)
}

// Scope runs fn with id pushed and pops it afterwards, even if fn panics.
func (s *FactionStack) Scope(id FactionID, fn func()) {
	depth := s.Depth()
	s.Push(id)
	defer s.truncate(depth)
	fn()
}

func (s *FactionStack) truncate(depth int) {
	if depth < len(s.stack) {
		s.stack = s.stack[:depth]
	}
}
