package core

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Termination reports a request leaving the system this step, with the
// reason the ingress layer maps to a user-visible status (spec §7:
// "the ingress layer translates Abort into cancelled, max-tokens into
// length, EOS into stop").
type Termination struct {
	ReqID  ReqID
	Reason string // "stop" | "length" | "cancelled"
}

// stepRole tags how ApplyStep should interpret the next_tokens entry for
// one request contributing to this step's batch.
type stepRole int

const (
	// roleDecode: an ordinary decode slot; the returned token is always a
	// real sample, appended and checked for termination.
	roleDecode stepRole = iota
	// rolePrefillFinisher: this step's chunk reached prompt.len(); the
	// returned token is the request's first generated token, triggering
	// RadixCache.InsertPrefix and the Decoding transition (spec §4.4 step 7).
	rolePrefillFinisher
	// rolePrefillPartial: the chunk did not reach prompt.len(); the
	// returned token is not a meaningful sample and is discarded
	// (spec §4.3: only a completed prefill's last slot yields one).
	rolePrefillPartial
)

// StepResult is everything a step's GPU round trip needs, plus enough
// bookkeeping for ApplyStep to finish the step once the GPU responds
// (spec §4.4 steps 5-6; the round trip itself is the scheduler thread's
// second suspension point, spec §5).
type StepResult struct {
	Batch *Batch

	// ReqUIDs is one entry per request contributing to this step (not one
	// per slot): prefill requests first in admission order, then the
	// decode-set snapshot in fixed join order. next_tokens from the GPU
	// executor is aligned to this slice (spec §6 wire shape).
	ReqUIDs        []ReqID
	SamplingParams []SamplingParams
	roles          []stepRole // aligned with ReqUIDs

	Terminations []Termination
	Aborted      []ReqID

	// Admitted holds the ReqID assigned to each NewRequestEvent drained
	// from ingress this step, in arrival order, so the caller can reply to
	// the ingress layer with the assigned ReqUID (wire.AdmissionReply).
	Admitted []ReqID
}

// Empty reports whether this step has nothing to send to the GPU executor
// (boundary B3: token_budget=0, or simply no admitted/decoding work).
func (sr *StepResult) Empty() bool { return sr.Batch == nil || sr.Batch.TotalSlots() == 0 }

// Scheduler is the per-step driver (spec §4.4): it owns RequestTable,
// RadixCache and BlockPool exclusively (spec §5) and is never called
// concurrently with itself.
type Scheduler struct {
	cfg Config

	rt        *RequestTable
	cache     *RadixCache
	pool      *BlockPool
	admission *PrefillAdmission
	builder   MetadataBuilder

	metrics MetricsSink
	log     *logrus.Logger

	ingress  <-chan IngressEvent
	eosToken TokenID

	stepCount uint64
}

// NewScheduler wires a Scheduler from its components. builder is typically
// a BatchBuilder, or a *ShadowComparator wrapping one when cfg.BackendMode
// is shadow (spec §4.5).
func NewScheduler(cfg Config, totalBlocks int, ingress <-chan IngressEvent, eosToken TokenID, builder MetadataBuilder, metrics MetricsSink, log *logrus.Logger) *Scheduler {
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if builder == nil {
		builder = BatchBuilder{}
	}
	return &Scheduler{
		cfg:       cfg,
		rt:        NewRequestTable(),
		cache:     NewRadixCache(totalBlocks),
		pool:      NewBlockPool(totalBlocks),
		admission: &PrefillAdmission{PerRequestChunkCap: int(cfg.PerRequestChunkCap)},
		builder:   builder,
		metrics:   metrics,
		log:       log,
		ingress:   ingress,
		eosToken:  eosToken,
	}
}

// RequestTable exposes the owned request table (tests, metrics snapshot).
func (s *Scheduler) RequestTable() *RequestTable { return s.rt }

// Cache exposes the owned radix cache (tests, metrics snapshot).
func (s *Scheduler) Cache() *RadixCache { return s.cache }

// Pool exposes the owned block pool (tests, metrics snapshot).
func (s *Scheduler) Pool() *BlockPool { return s.pool }

// Submit enqueues a new request directly (used by callers that bypass an
// ingress channel, e.g. single-process tests).
func (s *Scheduler) Submit(prompt TokenVec, sampling SamplingParams) *Request {
	return s.rt.Admit(prompt, sampling)
}

// drainIngress applies step 1 (new requests, FIFO) and collects step 2's
// abort list without processing it yet (spec §4.4 steps 1-2). admitted
// carries the ReqID assigned to each newly admitted request, in arrival
// order, for the caller to reply to the ingress layer with.
func (s *Scheduler) drainIngress() (aborts, admitted []ReqID) {
	for {
		select {
		case ev, ok := <-s.ingress:
			if !ok {
				return aborts, admitted
			}
			switch e := ev.(type) {
			case NewRequestEvent:
				r := s.rt.Admit(e.Prompt, e.Sampling)
				admitted = append(admitted, r.ID)
			case AbortEvent:
				aborts = append(aborts, e.ReqID)
			}
		default:
			return aborts, admitted
		}
	}
}

// applyAborts handles spec §4.4 step 2: unlock, release blocks, mark
// Aborted, and report a termination for each aborted request.
func (s *Scheduler) applyAborts(ids []ReqID) []Termination {
	var terms []Termination
	for _, id := range ids {
		r, ok := s.rt.Get(id)
		if !ok || r.State == StateFinished || r.State == StateAborted {
			continue
		}
		s.releaseRequest(r)
		r.State = StateAborted
		s.rt.RemoveFromDecoding(r)
		pending := s.rt.Pending()
		kept := make([]*Request, 0, len(pending))
		for _, p := range pending {
			if p.ID != r.ID {
				kept = append(kept, p)
			}
		}
		s.rt.SetPending(kept)
		s.rt.Delete(r.ID)
		terms = append(terms, Termination{ReqID: r.ID, Reason: "cancelled"})
	}
	return terms
}

// releaseRequest returns every block a request holds (pending-write,
// decode, and its cache lock) to their respective owners. Used by both
// abort (spec §5 "Cancellation") and normal finish (spec §4.4 step 8).
func (s *Scheduler) releaseRequest(r *Request) {
	if r.HasLock {
		if err := s.cache.Unlock(r.lockedHandle); err != nil {
			s.log.Warnf("releasing request %s: %v", r.ID, err)
		}
		r.HasLock = false
	}
	if len(r.PendingWriteBlocks) > 0 {
		s.pool.Release(r.PendingWriteBlocks)
		r.PendingWriteBlocks = nil
	}
	if len(r.DecodeBlocks) > 0 {
		s.pool.Release(r.DecodeBlocks)
		r.DecodeBlocks = nil
	}
}

// decodePriority orders a decode-set snapshot for preemption: largest
// generated length pauses first, tie-break by ReqID (spec §4.4 step 4).
func decodePriority(reqs []*Request) []*Request {
	out := append([]*Request{}, reqs...)
	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := len(out[i].Generated), len(out[j].Generated)
		if gi != gj {
			return gi < gj // smaller generated length = higher priority, served first
		}
		return lessReqID(out[i].ID, out[j].ID)
	})
	return out
}

// allocateDecodeBlocks attempts one block per request in priority order,
// evicting from RadixCache as needed. Requests beyond the point capacity
// runs out are simply excluded from this step's batch (spec §4.4 step 4:
// "paused... a retry is attempted next step").
func (s *Scheduler) allocateDecodeBlocks(decodeSet []*Request) map[ReqID]BlockHandle {
	served := make(map[ReqID]BlockHandle, len(decodeSet))
	for _, r := range decodePriority(decodeSet) {
		handles, ok := s.pool.Allocate(1)
		if !ok {
			freed := s.cache.Evict(1)
			s.metrics.Evicted(len(freed))
			s.pool.Release(freed)
			handles, ok = s.pool.Allocate(1)
		}
		if !ok {
			break
		}
		served[r.ID] = handles[0]
		r.DecodeBlocks = append(r.DecodeBlocks, handles[0])
	}
	return served
}

// decodeItem builds this step's BatchItem for a served decode request.
func decodeItem(r *Request, block BlockHandle) BatchItem {
	position := len(r.Prompt) + len(r.Generated)
	var token TokenID
	if n := len(r.Generated); n > 0 {
		token = r.Generated[n-1]
	} else {
		token = r.Prompt[len(r.Prompt)-1]
	}
	return NewDecodeItem(r.ID, position, token, block)
}

// PrepareStep runs spec §4.4 steps 1-5: drains ingress, applies aborts,
// runs PrefillAdmission, allocates decode blocks with fair preemption, and
// builds the batch. The caller sends StepResult.Batch to the GPU executor
// and calls ApplyStep with the returned next-token vector.
func (s *Scheduler) PrepareStep() *StepResult {
	s.stepCount++

	aborts, admitted := s.drainIngress()
	terms := s.applyAborts(aborts)

	decodeSnapshot := append([]*Request{}, s.rt.Decoding()...)

	scheduled, immediateDecode := s.admission.Run(s.rt, s.cache, s.pool, len(decodeSnapshot), int(s.cfg.TokenBudget), int(s.cfg.BlockHeadroom))
	if len(scheduled) == 0 && len(immediateDecode) == 0 && len(s.rt.Pending()) > 0 && len(decodeSnapshot) < int(s.cfg.TokenBudget) {
		s.metrics.CapacityPressure()
	}

	// Requests whose prompt was already fully cached join this step's
	// decode batch immediately; requests that just finished a chunked
	// prefill do not (they start decoding next step).
	decodeBatch := append(decodeSnapshot, immediateDecode...)

	served := s.allocateDecodeBlocks(decodeBatch)

	prefillItems := make([]BatchItem, 0, len(scheduled))
	reqUIDs := make([]ReqID, 0, len(scheduled)+len(decodeBatch))
	sampling := make([]SamplingParams, 0, len(scheduled)+len(decodeBatch))
	roles := make([]stepRole, 0, len(scheduled)+len(decodeBatch))

	for _, sr := range scheduled {
		r, ok := s.rt.Get(sr.ReqID)
		if !ok {
			continue
		}
		chunk := r.Prompt[sr.ChunkStartOffset : sr.ChunkStartOffset+sr.ChunkLen]
		prefillItems = append(prefillItems, NewPrefillItem(r.ID, sr.ChunkStartOffset, chunk, sr.AssignedBlocks))
		reqUIDs = append(reqUIDs, r.ID)
		sampling = append(sampling, r.Sampling)
		if sr.ChunkStartOffset+sr.ChunkLen == len(r.Prompt) {
			roles = append(roles, rolePrefillFinisher)
		} else {
			roles = append(roles, rolePrefillPartial)
		}
	}

	decodeItems := make([]BatchItem, 0, len(decodeBatch))
	for _, r := range decodeBatch {
		block, ok := served[r.ID]
		if !ok {
			continue // paused this step
		}
		decodeItems = append(decodeItems, decodeItem(r, block))
		reqUIDs = append(reqUIDs, r.ID)
		sampling = append(sampling, r.Sampling)
		roles = append(roles, roleDecode)
	}

	batch := s.builder.Build(prefillItems, decodeItems)
	s.metrics.Observe(s.cache.SizeInfo())

	return &StepResult{
		Batch:          batch,
		ReqUIDs:        reqUIDs,
		SamplingParams: sampling,
		roles:          roles,
		Terminations:   terms,
		Aborted:        aborts,
		Admitted:       admitted,
	}
}

// ApplyStep runs spec §4.4 steps 7-8 once the GPU executor has returned
// nextTokens, aligned to sr.ReqUIDs (one token per request, spec §6).
// Terminations newly produced this step are appended to sr.Terminations.
func (s *Scheduler) ApplyStep(sr *StepResult, nextTokens []TokenID) error {
	if len(nextTokens) != len(sr.ReqUIDs) {
		return newErr(KindBadPayload, ReqID{}, "apply_step: got %d next_tokens for %d req_uids", len(nextTokens), len(sr.ReqUIDs))
	}

	for i, id := range sr.ReqUIDs {
		r, ok := s.rt.Get(id)
		if !ok {
			continue // aborted between PrepareStep and ApplyStep
		}
		tok := nextTokens[i]

		switch sr.roles[i] {
		case rolePrefillPartial:
			continue // not a meaningful sample; prefill_progress already advanced by admission

		case rolePrefillFinisher:
			// PrefillAdmission already transitioned this request to
			// Decoding and joined it to the decode set when its chunk
			// reached prompt.len() (spec §4.2 step 3); here we only land
			// the sampled token and commit the cached prefix.
			r.Generated = append(r.Generated, tok)
			if err := s.commitPrefix(r); err != nil {
				return err
			}

		case roleDecode:
			r.Generated = append(r.Generated, tok)
		}

		if term := s.checkTermination(r); term != nil {
			sr.Terminations = append(sr.Terminations, *term)
		}
	}

	return nil
}

// commitPrefix inserts a request's uncached prompt suffix into RadixCache
// once its first sample has landed, atomically swapping the hold on the
// older shallower node for the new deepest one (spec §4.4 step 7).
// oldHandle sits at depth LockedMatchedLen (stamped once, at first lock);
// PendingWriteBlocks covers exactly Prompt[LockedMatchedLen:], the tokens
// chunked in since then — not the full prompt, which InsertPrefix would
// reject as a tokens/blocks length mismatch.
func (s *Scheduler) commitPrefix(r *Request) error {
	oldHandle := r.lockedHandle
	suffix := r.Prompt[r.LockedMatchedLen:]
	newHandle, freed, err := s.cache.InsertPrefix(oldHandle, suffix, r.PendingWriteBlocks)
	if err != nil {
		return fmt.Errorf("committing prefix for request %s: %w", r.ID, err)
	}
	s.pool.Release(freed)
	if err := s.cache.Unlock(oldHandle); err != nil {
		return fmt.Errorf("unlocking prior handle for request %s: %w", r.ID, err)
	}
	r.lockedHandle = newHandle
	r.LockedNode = newHandle.node
	r.HasLock = true
	r.PendingWriteBlocks = nil
	return nil
}

// checkTermination applies spec §4.4 step 8, returning a Termination if
// the request just finished.
func (s *Scheduler) checkTermination(r *Request) *Termination {
	last := r.Generated[len(r.Generated)-1]
	eos := !r.Sampling.IgnoreEOS && last == s.eosToken
	lengthDone := r.Sampling.MaxTokens > 0 && len(r.Generated) >= r.Sampling.MaxTokens
	if !eos && !lengthDone {
		return nil
	}
	reason := "length"
	if eos {
		reason = "stop"
	}
	s.releaseRequest(r)
	r.State = StateFinished
	s.rt.RemoveFromDecoding(r)
	s.rt.Delete(r.ID)
	return &Termination{ReqID: r.ID, Reason: reason}
}
