// Package ratelimit provides a bounded-concurrency semaphore for the
// Seeder Engine, built on the same primitives the teacher's
// bootstrap/main.go used for its HTTP endpoints. A per-peer or global
// rate.Limiter was tried and rejected here: the Transport Fabric
// (internal/transport) hands a handler no peer identity and mints a
// fresh, single-use reply token per request (spec.md §4.C origin
// privacy), so there is no stable key to rate-limit by short of the
// concurrency cap below; internal/index.Server uses a plain
// golang.org/x/time/rate.Limiter directly for its single global
// throughput cap instead of wrapping it here.
package ratelimit

// Semaphore bounds the number of concurrently in-flight operations,
// used for MAX_INFLIGHT_SEEDER-style caps where the limit is on
// concurrency rather than rate.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a Semaphore allowing up to n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, n)}
}

// TryAcquire attempts to take a slot without blocking, reporting
// whether it succeeded. Release must be called exactly once per
// successful TryAcquire.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot to the semaphore.
func (s *Semaphore) Release() {
	<-s.slots
}
