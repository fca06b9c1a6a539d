package core

// RequestTable owns every request record's state, prompt, generated
// tokens, and locked cache handle (spec §3), plus the pending and decoding
// queues. PrefillAdmission and Scheduler also set a record's State
// directly; like RadixCache and BlockPool the table is exclusively owned by
// the scheduler thread (spec §5).
type RequestTable struct {
	requests map[ReqID]*Request

	// pending holds requests in {Waiting, Prefilling} order, strict FIFO
	// by arrival (spec §4.2: "no request may be reordered past one that
	// failed admission for lack of blocks" — PrefillAdmission walks this
	// slice in place and only removes entries that finish prefill this
	// step, so a chunked request blocked mid-queue keeps its position).
	pending []*Request

	// decoding holds requests in Decoding state, in the fixed order they
	// joined (spec §4.3: "a fixed order maintained across steps").
	decoding []*Request

	arrivalCounter uint64
}

// NewRequestTable creates an empty table.
func NewRequestTable() *RequestTable {
	return &RequestTable{requests: make(map[ReqID]*Request)}
}

// Admit creates a new Waiting request and enqueues it at the back of the
// pending FIFO (spec §3: "created on admission request -> Waiting").
func (rt *RequestTable) Admit(prompt TokenVec, sampling SamplingParams) *Request {
	rt.arrivalCounter++
	r := &Request{
		ID:           NewReqID(),
		Prompt:       prompt.Clone(),
		State:        StateWaiting,
		Sampling:     sampling,
		ArrivalOrder: rt.arrivalCounter,
	}
	rt.requests[r.ID] = r
	rt.pending = append(rt.pending, r)
	return r
}

// Get looks up a request by ID.
func (rt *RequestTable) Get(id ReqID) (*Request, bool) {
	r, ok := rt.requests[id]
	return r, ok
}

// Pending returns the current pending-queue slice. PrefillAdmission is
// expected to mutate request state in place and call SetPending to commit
// the filtered remainder; the slice itself is not a live view.
func (rt *RequestTable) Pending() []*Request {
	return rt.pending
}

// SetPending replaces the pending queue, preserving relative order.
func (rt *RequestTable) SetPending(reqs []*Request) {
	rt.pending = reqs
}

// PromoteToDecoding moves a request that just finished prefill out of the
// pending queue and appends it to the decoding set (joining at the end,
// preserving fixed cross-step order per §4.3).
func (rt *RequestTable) PromoteToDecoding(r *Request) {
	r.State = StateDecoding
	rt.decoding = append(rt.decoding, r)
}

// Decoding returns the current decode set in fixed join order.
func (rt *RequestTable) Decoding() []*Request {
	return rt.decoding
}

// RemoveFromDecoding drops r from the decode set (on Finish or Abort),
// preserving the relative order of the remainder.
func (rt *RequestTable) RemoveFromDecoding(r *Request) {
	out := rt.decoding[:0:0]
	for _, o := range rt.decoding {
		if o.ID != r.ID {
			out = append(out, o)
		}
	}
	rt.decoding = out
}

// Delete removes a finished/aborted request entirely once its output has
// been drained (spec §3 lifecycle: "removed after output drained").
func (rt *RequestTable) Delete(id ReqID) {
	delete(rt.requests, id)
}
