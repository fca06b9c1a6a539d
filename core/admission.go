package core

import "github.com/coreinfer/schedcore/core/internal/util"

// ScheduledReq describes one request admitted or continued for prefill
// this step (spec §4.2 "Contract output").
type ScheduledReq struct {
	ReqID            ReqID
	ChunkLen         int
	ChunkStartOffset int
	AssignedBlocks   []BlockHandle
	// LockedHandlePriorToStep is the cache handle this request held before
	// this step's admission pass (zero value if this step acquired the
	// first lock for the request).
	LockedHandlePriorToStep CacheHandle
}

// PrefillAdmission chooses a set of pending requests to start or continue
// (chunked) under a token budget, per spec §4.2.
type PrefillAdmission struct {
	// PerRequestChunkCap bounds prefill slots per request per step. Zero
	// means unbounded (limited only by remaining budget and need).
	PerRequestChunkCap int
}

// Run walks the pending queue in strict FIFO order, admitting or
// continuing chunked prefill for as many requests as the budget and
// BlockPool capacity allow, stopping at the first request that cannot be
// admitted for lack of blocks (head-of-line — spec §4.2 fairness note).
// decodeInflightTokens is the token cost already committed to this step's
// decode set; blockHeadroom is reserved free-block capacity PrefillAdmission
// must not consume. rt's pending queue is rewritten in place via
// RequestTable.SetPending.
// The second return value lists requests whose prompt was already fully
// cached (need == 0): they skip prefill entirely and are ready for a
// decode slot in this very step, unlike a chunk that finishes this step
// (which starts decoding next step, once its chunk's GPU write lands).
func (pa *PrefillAdmission) Run(rt *RequestTable, cache *RadixCache, pool *BlockPool, decodeInflightTokens, tokenBudget, blockHeadroom int) ([]ScheduledReq, []*Request) {
	remaining := tokenBudget - decodeInflightTokens
	if remaining <= 0 {
		return nil, nil
	}

	pending := rt.Pending()
	kept := make([]*Request, 0, len(pending))
	var scheduled []ScheduledReq
	var immediateDecode []*Request
	stopped := false

	for _, r := range pending {
		if stopped || remaining <= 0 {
			kept = append(kept, r)
			stopped = true
			continue
		}

		hadLock := r.HasLock
		if !hadLock {
			matchedLen, _, handle := cache.LockHandle(r.Prompt)
			r.lockedHandle = handle
			r.HasLock = true
			r.LockedNode = handle.node
			r.PrefillProgress = matchedLen
			r.LockedMatchedLen = matchedLen
		}
		priorHandle := r.lockedHandle

		need := len(r.Prompt) - r.PrefillProgress
		if need == 0 {
			// Prompt fully cached: skip straight to Decoding, consuming
			// one budget slot for the first sampled token (spec §4.2.2).
			remaining--
			rt.PromoteToDecoding(r)
			immediateDecode = append(immediateDecode, r)
			continue
		}

		chunkCap := pa.PerRequestChunkCap
		if chunkCap <= 0 {
			chunkCap = need
		}
		c := util.Min(need, util.Min(remaining, chunkCap))

		if free := pool.Free() - blockHeadroom; free < c {
			if shortfall := c - util.Max(free, 0); shortfall > 0 {
				freed := cache.Evict(shortfall)
				pool.Release(freed)
			}
		}

		if free := pool.Free() - blockHeadroom; free < c {
			if !hadLock {
				_ = cache.Unlock(priorHandle)
				r.HasLock = false
			}
			kept = append(kept, r)
			stopped = true
			continue
		}

		allocated, ok := pool.Allocate(c)
		if !ok {
			// Defensive: the free-count check above should make this
			// unreachable on a single-threaded scheduler.
			if !hadLock {
				_ = cache.Unlock(priorHandle)
				r.HasLock = false
			}
			kept = append(kept, r)
			stopped = true
			continue
		}

		startOffset := r.PrefillProgress
		r.PendingWriteBlocks = append(r.PendingWriteBlocks, allocated...)
		r.State = StatePrefilling
		r.PrefillProgress += c
		remaining -= c

		var heldBeforeStep CacheHandle
		if hadLock {
			heldBeforeStep = priorHandle
		}
		scheduled = append(scheduled, ScheduledReq{
			ReqID:                   r.ID,
			ChunkLen:                c,
			ChunkStartOffset:        startOffset,
			AssignedBlocks:          allocated,
			LockedHandlePriorToStep: heldBeforeStep,
		})

		if r.PrefillProgress == len(r.Prompt) {
			rt.PromoteToDecoding(r)
		} else {
			kept = append(kept, r)
		}
	}

	rt.SetPending(kept)
	return scheduled, immediateDecode
}
