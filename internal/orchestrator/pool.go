package orchestrator

import "sync"

// slotPool caps the number of work orders executing at once. Slots are
// claimed without blocking; callers that miss stay queued as pending records
// and are retried on the next dispatch.
type slotPool struct {
	mu        sync.Mutex
	capacity  int
	available int
}

func newSlotPool(capacity int) *slotPool {
	if capacity < 1 {
		capacity = 1
	}
	return &slotPool{capacity: capacity, available: capacity}
}

// tryAcquire claims a slot if one is free
func (p *slotPool) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available <= 0 {
		return false
	}
	p.available--
	return true
}

// release returns a slot; extra releases are ignored
func (p *slotPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.capacity {
		p.available++
	}
}

func (p *slotPool) free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}
