// Package memory provides Arrow allocators that account for the bytes a
// backend allocates while it runs.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TrackedAllocator wraps a memory.Allocator and tracks live, peak and
// cumulative allocated bytes. Engines may allocate from several goroutines,
// so all counters are atomic.
type TrackedAllocator struct {
	underlying memory.Allocator
	bytesUsed  atomic.Int64
	peak       atomic.Int64
	total      atomic.Int64
}

// NewTrackedAllocator creates a new TrackedAllocator. A nil underlying
// allocator means the Go allocator.
func NewTrackedAllocator(underlying memory.Allocator) *TrackedAllocator {
	if underlying == nil {
		underlying = memory.NewGoAllocator()
	}
	return &TrackedAllocator{
		underlying: underlying,
	}
}

// Allocate implements memory.Allocator interface
func (a *TrackedAllocator) Allocate(size int) []byte {
	a.grow(int64(size))
	return a.underlying.Allocate(size)
}

// Reallocate implements memory.Allocator interface
func (a *TrackedAllocator) Reallocate(size int, b []byte) []byte {
	a.grow(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

// Free implements memory.Allocator interface
func (a *TrackedAllocator) Free(b []byte) {
	a.bytesUsed.Add(-int64(len(b)))
	a.underlying.Free(b)
}

func (a *TrackedAllocator) grow(delta int64) {
	used := a.bytesUsed.Add(delta)
	if delta > 0 {
		a.total.Add(delta)
	}
	for {
		peak := a.peak.Load()
		if used <= peak || a.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// BytesUsed returns the current number of bytes allocated
func (a *TrackedAllocator) BytesUsed() int64 {
	return a.bytesUsed.Load()
}

// PeakBytes returns the highest number of live bytes seen.
func (a *TrackedAllocator) PeakBytes() int64 {
	return a.peak.Load()
}

// TotalAllocated returns the cumulative number of bytes ever allocated.
func (a *TrackedAllocator) TotalAllocated() int64 {
	return a.total.Load()
}

// ResetPeak lowers the peak to the bytes currently in use, so the next
// PeakBytes covers only allocations made after the reset.
func (a *TrackedAllocator) ResetPeak() {
	a.peak.Store(a.bytesUsed.Load())
}
