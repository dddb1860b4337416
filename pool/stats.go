package pool

import "fmt"

// Stats is a point-in-time snapshot of pool accounting and counters.
type Stats struct {
	// Count is the number of live records.
	Count int

	// Bytes is the tracked byte total over live records.
	Bytes uint64

	// MaxCount and MaxBytes echo the configured budgets.
	MaxCount int
	MaxBytes uint64

	// DeferredCount and DeferredBytes cover buffers removed from the pool
	// but not yet freed because their fence is pending.
	DeferredCount int
	DeferredBytes uint64

	// Hits counts exact-match dequeues.
	Hits uint64

	// Substitutions counts alpha-equivalent-format dequeues.
	Substitutions uint64

	// Allocs counts fresh allocations, warmup included.
	Allocs uint64

	// Retries counts dequeue re-poll sleeps.
	Retries uint64

	// Fallbacks counts dequeues resolved by stealing an existing buffer;
	// Shares and Evictions split them by whether a reallocation was
	// needed.
	Fallbacks uint64
	Shares    uint64
	Evictions uint64

	// Supersedes counts pending fences signaled by the fallback path.
	Supersedes uint64

	// Collected counts records freed by garbage collection and Flush.
	Collected uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[%d/%d buffers, %d/%d KB, %d hits, %d subs, %d allocs, %d fallbacks, %d collected]",
		s.Count, s.MaxCount,
		s.Bytes/1024, s.MaxBytes/1024,
		s.Hits, s.Substitutions, s.Allocs, s.Fallbacks, s.Collected)
}

// Stats returns current accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Count:         len(p.records),
		Bytes:         p.bytes,
		MaxCount:      p.cfg.MaxCount,
		MaxBytes:      p.cfg.MaxBytes,
		DeferredCount: p.deferred.Length(),
		DeferredBytes: p.deferredBytes,
		Hits:          p.stats.hits,
		Substitutions: p.stats.substitutions,
		Allocs:        p.stats.allocs,
		Retries:       p.stats.retries,
		Fallbacks:     p.stats.fallbacks,
		Shares:        p.stats.shares,
		Evictions:     p.stats.evictions,
		Supersedes:    p.stats.supersedes,
		Collected:     p.stats.collected,
	}
}
