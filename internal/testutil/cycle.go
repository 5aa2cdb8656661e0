package testutil

import (
	"fmt"
	"sync/atomic"
)

// CycleSequence hands out cycle tokens "<prefix>-1", "<prefix>-2", ... so
// logs of a deterministic run are identical across runs while each cycle
// stays distinguishable. Safe for concurrent use.
type CycleSequence struct {
	prefix string
	n      atomic.Int64
}

// NewCycleSequence returns a sequence with the given prefix, or "cycle"
// when prefix is empty.
func NewCycleSequence(prefix string) *CycleSequence {
	if prefix == "" {
		prefix = "cycle"
	}
	return &CycleSequence{prefix: prefix}
}

// Generate implements engine.CycleTokenGenerator.
func (s *CycleSequence) Generate() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}

// Issued reports how many tokens were handed out.
func (s *CycleSequence) Issued() int {
	return int(s.n.Load())
}
