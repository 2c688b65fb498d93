package task

// Flight is a non-blocking single-occupancy guard. One Flight exists per
// exclusive operation kind; TryAcquire either takes the slot immediately or
// reports that a holder is already in flight.
type Flight struct {
	slot chan struct{}
}

// NewFlight returns a released Flight.
func NewFlight() *Flight {
	return &Flight{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the slot without blocking. It returns false when the slot
// is held.
func (f *Flight) TryAcquire() bool {
	select {
	case f.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the slot. Calling Release without a matching TryAcquire is a
// programming error and panics via the channel receive below.
func (f *Flight) Release() {
	select {
	case <-f.slot:
	default:
		panic("task: Release without Acquire")
	}
}

// Busy reports whether the slot is currently held.
func (f *Flight) Busy() bool {
	return len(f.slot) == 1
}
