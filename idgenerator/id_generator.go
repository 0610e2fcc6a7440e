package idgenerator

import "sync/atomic"

// IdGenerator hands out monotonically increasing uint64 IDs and is safe for
// concurrent use. The first Id returns the start value plus one.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first Id is startValue+1.
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID.
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued ID, or the start value if none was
// issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}
