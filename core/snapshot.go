package core

// Snapshot is a read-only consistent view of the scheduler's state, taken
// between steps (the scheduler thread is the sole mutator per spec §5, so
// this is just a struct copy — no locking needed). Intended for the
// metrics package and cmd/enginectl to sample without reaching into
// RequestTable/RadixCache directly.
type Snapshot struct {
	Cache SizeInfo

	Waiting    int
	Prefilling int
	Decoding   int

	StepCount uint64
}

// Snapshot takes a consistent point-in-time view of the scheduler.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Cache:     s.cache.SizeInfo(),
		Decoding:  len(s.rt.Decoding()),
		StepCount: s.stepCount,
	}
	for _, r := range s.rt.Pending() {
		switch r.State {
		case StatePrefilling:
			snap.Prefilling++
		default:
			snap.Waiting++
		}
	}
	return snap
}
