// Package pool contains the fixed-capacity price level pool used by the order book hot path.
package pool

import "fmt"

const overflowSlot = -1

// Entry is a single price level. Entries handed out by an EntryPool stay owned by
// the borrower until released.
type Entry struct {
	Price float64
	Size  float64

	slot  int
	inUse bool
}

// Pooled reports whether the entry lives in the pool arena rather than overflow storage.
func (e *Entry) Pooled() bool {
	return e != nil && e.slot != overflowSlot
}

// Stats describes pool occupancy.
type Stats struct {
	Capacity int
	// Free is the number of arena slots waiting on the free-list.
	Free int
	// Outstanding counts arena entries currently borrowed.
	Outstanding int
	// OverflowOutstanding counts entries allocated beyond capacity and not yet released.
	OverflowOutstanding int
	OverflowPeak        int
	OverflowAllocated   uint64
	Discarded           uint64
	DoubleReleases      uint64
	// CeilingBreaches counts acquisitions made while overflow exceeded the ceiling.
	CeilingBreaches uint64
}

// EntryPool is an arena of entries with an index free-list. Exhaustion falls back to
// heap allocation; those entries are never stored back in the arena. The pool holds no
// locks and must be confined to one goroutine.
type EntryPool struct {
	arena   []Entry
	free    []int
	ceiling int

	overflow int
	stats    Stats
}

// NewEntryPool builds a pool with capacity arena slots. ceiling bounds the number of
// overflow entries expected to be outstanding at once; exceeding it is recorded in
// Stats.CeilingBreaches. A zero ceiling defaults to capacity.
func NewEntryPool(capacity, ceiling int) *EntryPool {
	if capacity <= 0 {
		panic(fmt.Sprintf("entry pool: capacity must be positive, got %d", capacity))
	}
	if ceiling <= 0 {
		ceiling = capacity
	}
	p := &EntryPool{
		arena:   make([]Entry, capacity),
		free:    make([]int, capacity),
		ceiling: ceiling,
	}
	for i := range p.arena {
		p.arena[i].slot = i
		// Pop from the tail hands out slot 0 first.
		p.free[i] = capacity - 1 - i
	}
	p.stats.Capacity = capacity
	return p
}

// Acquire borrows an entry initialised with price and size.
func (p *EntryPool) Acquire(price, size float64) *Entry {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		e := &p.arena[idx]
		e.Price = price
		e.Size = size
		e.inUse = true
		return e
	}
	p.overflow++
	p.stats.OverflowAllocated++
	if p.overflow > p.stats.OverflowPeak {
		p.stats.OverflowPeak = p.overflow
	}
	if p.overflow > p.ceiling {
		p.stats.CeilingBreaches++
	}
	return &Entry{Price: price, Size: size, slot: overflowSlot, inUse: true}
}

// Release returns entries to the pool. Overflow entries are discarded and released
// twice entries are counted and ignored.
func (p *EntryPool) Release(entries ...*Entry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		if !e.inUse {
			p.stats.DoubleReleases++
			continue
		}
		e.inUse = false
		e.Price = 0
		e.Size = 0
		if e.slot == overflowSlot {
			p.overflow--
			p.stats.Discarded++
			continue
		}
		if e.slot < 0 || e.slot >= len(p.arena) || &p.arena[e.slot] != e {
			// Entry from a different pool.
			p.stats.Discarded++
			continue
		}
		p.free = append(p.free, e.slot)
	}
}

// Stats returns a copy of the pool counters.
func (p *EntryPool) Stats() Stats {
	s := p.stats
	s.Free = len(p.free)
	s.Outstanding = len(p.arena) - len(p.free)
	s.OverflowOutstanding = p.overflow
	return s
}

// CheckedOut returns the total number of borrowed entries, arena and overflow.
func (p *EntryPool) CheckedOut() int {
	return len(p.arena) - len(p.free) + p.overflow
}
