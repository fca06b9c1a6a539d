package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinfer/schedcore/core"
)

func newTestScheduler(t *testing.T, cfg core.Config, totalBlocks int) *core.Scheduler {
	t.Helper()
	ingress := make(chan core.IngressEvent)
	return core.NewScheduler(cfg, totalBlocks, ingress, core.TokenID(0), nil, nil, nil)
}

func smallCfg() core.Config {
	cfg := core.DefaultConfig()
	cfg.TokenBudget = 64
	cfg.PerRequestChunkCap = 0
	return cfg
}

// TestScheduler_FullyCachedPrompt_GetsDecodeSlotSameStep exercises spec §8
// Scenario: a request whose prompt is already entirely cached skips prefill
// and must be eligible for a decode slot in the very same step (the
// immediateDecode / decodeBatch path), unlike a chunk that finishes prefill
// this step (which only starts decoding next step).
func TestScheduler_FullyCachedPrompt_GetsDecodeSlotSameStep(t *testing.T) {
	s := newTestScheduler(t, smallCfg(), 64)

	// GIVEN a first request that primes the cache with a 4-token prompt
	r1 := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 1, IgnoreEOS: true})
	step := s.PrepareStep()
	require.False(t, step.Empty())
	require.NoError(t, s.ApplyStep(step, constTokens(step, 7)))
	assert.Equal(t, core.StateFinished, r1.State) // finished requests are removed from the table

	// WHEN a second request arrives with the exact same prompt (fully cached)
	r2 := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 2, IgnoreEOS: true})
	step2 := s.PrepareStep()

	// THEN it appears in this very step's batch as a decode role, not a
	// prefill chunk, and its one emitted slot is its first sampled token
	require.Len(t, step2.ReqUIDs, 1)
	assert.Equal(t, r2.ID, step2.ReqUIDs[0])
	require.Equal(t, 1, step2.Batch.TotalSlots())
}

// TestScheduler_ChunkFinisher_DoesNotDecodeSameStep exercises the contrasting
// half of the same scenario: a request whose chunk reaches prompt.len() this
// step is promoted to Decoding by admission, but must NOT receive a decode
// slot until next step (its write hasn't landed on the GPU yet).
func TestScheduler_ChunkFinisher_DoesNotDecodeSameStep(t *testing.T) {
	cfg := smallCfg()
	cfg.TokenBudget = 4 // forces the 4-token prompt to need exactly one full chunk
	s := newTestScheduler(t, cfg, 64)

	r := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 3, IgnoreEOS: true})
	step := s.PrepareStep()

	// Only one contributor this step: the prefill chunk itself, no decode slot.
	require.Len(t, step.ReqUIDs, 1)
	assert.Equal(t, r.ID, step.ReqUIDs[0])
	assert.Equal(t, 4, step.Batch.TotalSlots()) // the whole prompt, one slot per token

	require.NoError(t, s.ApplyStep(step, constTokens(step, 5)))

	// Next step: now it's eligible for its first real decode slot.
	step2 := s.PrepareStep()
	require.Len(t, step2.ReqUIDs, 1)
	assert.Equal(t, r.ID, step2.ReqUIDs[0])
	assert.Equal(t, 1, step2.Batch.TotalSlots())
}

// TestScheduler_ChunkedPrefill_CommitsCorrectSuffix exercises the
// LockedMatchedLen fix: a prompt admitted over two chunks (due to a tight
// per-step token budget) must still commit cleanly to RadixCache once its
// final chunk lands, inserting exactly the tokens covered by
// PendingWriteBlocks.
func TestScheduler_ChunkedPrefill_CommitsCorrectSuffix(t *testing.T) {
	cfg := smallCfg()
	cfg.TokenBudget = 2 // an 4-token prompt now needs two chunks
	s := newTestScheduler(t, cfg, 64)

	r := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 5, IgnoreEOS: true})

	step1 := s.PrepareStep()
	require.Equal(t, 2, step1.Batch.TotalSlots())
	require.NoError(t, s.ApplyStep(step1, constTokens(step1, 9)))
	assert.Equal(t, core.StatePrefilling, stateOf(t, s, r.ID))

	step2 := s.PrepareStep()
	require.Equal(t, 2, step2.Batch.TotalSlots())

	// ApplyStep must not error (the old bug would pass the full 4-token
	// prompt against a 2-block PendingWriteBlocks and fail bad_payload).
	require.NoError(t, s.ApplyStep(step2, constTokens(step2, 9)))
	assert.Equal(t, core.StateDecoding, stateOf(t, s, r.ID))

	// A later identical prompt now matches the full 4 tokens from cache.
	matched, _, _ := s.Cache().MatchPrefix(tokens(1, 2, 3, 4))
	assert.Equal(t, 4, matched)
}

// TestScheduler_PartialCacheHit_CommitsOnlyUncachedSuffix is the direct
// regression test for the LockedMatchedLen fix: a request whose prompt is
// PARTIALLY cached at lock time (matchedLen > 0) must commit only the
// uncached suffix to RadixCache, since PendingWriteBlocks only ever covers
// that suffix — passing the request's full prompt to InsertPrefix here
// would fail length validation (len(prompt) != len(PendingWriteBlocks)).
func TestScheduler_PartialCacheHit_CommitsOnlyUncachedSuffix(t *testing.T) {
	s := newTestScheduler(t, smallCfg(), 64)

	// GIVEN a first request that caches a 4-token prefix
	r1 := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 1, IgnoreEOS: true})
	step1 := s.PrepareStep()
	require.NoError(t, s.ApplyStep(step1, constTokens(step1, 7)))

	// WHEN a second request shares that 4-token prefix but diverges after,
	// needing only 2 new tokens committed
	r2 := s.Submit(tokens(1, 2, 3, 4, 5, 6), core.SamplingParams{MaxTokens: 2, IgnoreEOS: true})
	step2 := s.PrepareStep()
	require.Equal(t, 2, step2.Batch.TotalSlots()) // only the 2 uncached tokens

	// THEN ApplyStep commits cleanly — no tokens/blocks length mismatch
	require.NoError(t, s.ApplyStep(step2, constTokens(step2, 8)))
	assert.Equal(t, core.StateDecoding, stateOf(t, s, r2.ID))

	matched, _, _ := s.Cache().MatchPrefix(tokens(1, 2, 3, 4, 5, 6))
	assert.Equal(t, 6, matched)
}

// TestScheduler_Abort_ReleasesBlocksAndReportsCancelled exercises spec §4.4
// step 2 and §5's cancellation contract.
func TestScheduler_Abort_ReleasesBlocksAndReportsCancelled(t *testing.T) {
	ingress := make(chan core.IngressEvent, 4)
	s := core.NewScheduler(smallCfg(), 64, ingress, core.TokenID(0), nil, nil, nil)

	r := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 10, IgnoreEOS: true})
	ingress <- core.AbortEvent{ReqID: r.ID}

	step := s.PrepareStep()
	require.Len(t, step.Terminations, 1)
	assert.Equal(t, r.ID, step.Terminations[0].ReqID)
	assert.Equal(t, "cancelled", step.Terminations[0].Reason)

	_, ok := s.RequestTable().Get(r.ID)
	assert.False(t, ok)
	assert.Equal(t, 64, s.Pool().Free())
}

// TestScheduler_MaxTokens_TerminatesWithLengthReason exercises spec §4.4
// step 8's length-based termination.
func TestScheduler_MaxTokens_TerminatesWithLengthReason(t *testing.T) {
	s := newTestScheduler(t, smallCfg(), 64)

	r := s.Submit(tokens(1, 2), core.SamplingParams{MaxTokens: 1, IgnoreEOS: true})
	step := s.PrepareStep()
	require.NoError(t, s.ApplyStep(step, constTokens(step, 3)))

	require.Len(t, step.Terminations, 1)
	assert.Equal(t, r.ID, step.Terminations[0].ReqID)
	assert.Equal(t, "length", step.Terminations[0].Reason)
}

// TestScheduler_EOS_TerminatesWithStopReason exercises the EOS branch of the
// same step, distinguishing it from the length branch by reason string.
func TestScheduler_EOS_TerminatesWithStopReason(t *testing.T) {
	eos := core.TokenID(42)
	ingress := make(chan core.IngressEvent)
	s := core.NewScheduler(smallCfg(), 64, ingress, eos, nil, nil, nil)

	r := s.Submit(tokens(1, 2), core.SamplingParams{MaxTokens: 100})
	step := s.PrepareStep()
	require.NoError(t, s.ApplyStep(step, constTokens(step, 42)))

	require.Len(t, step.Terminations, 1)
	assert.Equal(t, r.ID, step.Terminations[0].ReqID)
	assert.Equal(t, "stop", step.Terminations[0].Reason)
}

// TestScheduler_HeadOfLineBlocking_PreservesFIFOOrder exercises spec §4.2's
// fairness note: a request that cannot be admitted for lack of blocks
// blocks every request behind it in the queue, even ones that could fit.
func TestScheduler_HeadOfLineBlocking_PreservesFIFOOrder(t *testing.T) {
	cfg := smallCfg()
	cfg.TokenBudget = 100
	s := newTestScheduler(t, cfg, 3) // only 3 blocks total

	r1 := s.Submit(tokens(1, 2, 3, 4), core.SamplingParams{MaxTokens: 1, IgnoreEOS: true}) // needs 4 blocks, can never fit
	r2 := s.Submit(tokens(5, 6), core.SamplingParams{MaxTokens: 1, IgnoreEOS: true})        // needs only 2, would otherwise fit

	step := s.PrepareStep()

	// r1 cannot be admitted (insufficient total capacity); r2 is blocked
	// behind it in FIFO order and must not jump ahead, even though its own
	// 2-token need would otherwise fit in the 3-block pool.
	assert.True(t, step.Empty())
	require.Len(t, s.RequestTable().Pending(), 2)
	assert.Equal(t, r1.ID, s.RequestTable().Pending()[0].ID)
	assert.Equal(t, r2.ID, s.RequestTable().Pending()[1].ID)
}

// TestScheduler_PrepareStep_ReportsAdmittedFromIngressInArrivalOrder
// exercises StepResult.Admitted: requests delivered over the ingress
// channel (as opposed to Submit, which bypasses it) must be reported back
// in the same arrival order, with the ReqID RequestTable actually assigned,
// so a caller can build wire.AdmissionReply for each.
func TestScheduler_PrepareStep_ReportsAdmittedFromIngressInArrivalOrder(t *testing.T) {
	ingress := make(chan core.IngressEvent, 2)
	s := core.NewScheduler(smallCfg(), 64, ingress, core.TokenID(0), nil, nil, nil)

	ingress <- core.NewRequestEvent{Prompt: tokens(1, 2), Sampling: core.SamplingParams{MaxTokens: 1, IgnoreEOS: true}}
	ingress <- core.NewRequestEvent{Prompt: tokens(3, 4), Sampling: core.SamplingParams{MaxTokens: 1, IgnoreEOS: true}}

	step := s.PrepareStep()

	require.Len(t, step.Admitted, 2)
	r1, ok := s.RequestTable().Get(step.Admitted[0])
	require.True(t, ok)
	r2, ok := s.RequestTable().Get(step.Admitted[1])
	require.True(t, ok)
	assert.Equal(t, tokens(1, 2), r1.Prompt)
	assert.Equal(t, tokens(3, 4), r2.Prompt)
}

func stateOf(t *testing.T, s *core.Scheduler, id core.ReqID) core.RequestState {
	t.Helper()
	r, ok := s.RequestTable().Get(id)
	require.True(t, ok)
	return r.State
}

func constTokens(step *core.StepResult, tok uint32) []core.TokenID {
	out := make([]core.TokenID, len(step.ReqUIDs))
	for i := range out {
		out[i] = core.TokenID(tok)
	}
	return out
}
