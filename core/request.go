package core

import (
	"bytes"

	"github.com/google/uuid"
)

// ReqID uniquely identifies a request (spec §3: "identified by ReqId
// (UID)"). Backed by uuid.UUID, grounded in matrixinfer-ai-kthena's
// pkg/infer-gateway/router/router.go request-ID generation.
type ReqID uuid.UUID

func (r ReqID) String() string { return uuid.UUID(r).String() }

// NewReqID generates a fresh random request identifier.
func NewReqID() ReqID { return ReqID(uuid.New()) }

// ParseReqID parses a canonical UUID string, the wire-level representation
// of a ReqID (spec §6 req_uids).
func ParseReqID(s string) (ReqID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ReqID{}, err
	}
	return ReqID(id), nil
}

// lessReqID gives a deterministic total order over request identifiers,
// used only to break ties among otherwise-equal-priority requests (spec
// §4.4 decode preemption tie-break).
func lessReqID(a, b ReqID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// RequestState is a request's lifecycle stage (spec §3).
type RequestState int

const (
	StateWaiting RequestState = iota
	StatePrefilling
	StateDecoding
	StateFinished
	StateAborted
)

func (s RequestState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SamplingParams controls token generation for one request.
type SamplingParams struct {
	Temperature float64
	TopK        int
	TopP        float64
	MaxTokens   int
	IgnoreEOS   bool
	Seed        int64
}

// Request is one in-flight inference request, owned exclusively by
// RequestTable (spec §3, §5 — the scheduler thread is the sole mutator).
type Request struct {
	ID ReqID

	Prompt    TokenVec // immutable after admission
	Generated TokenVec // appended as decoding proceeds

	State RequestState

	LockedNode   NodeID // root-sentinel-relative; meaningful only once locked (LockedHandle.node == this)
	HasLock      bool
	lockedHandle CacheHandle

	// LockedMatchedLen is the prompt-token depth lockedHandle's node sits
	// at, stamped once when the lock is first acquired and never updated
	// afterward (unlike PrefillProgress, which keeps advancing as chunks
	// are admitted). commitPrefix needs this original depth to slice the
	// unmatched suffix of Prompt that PendingWriteBlocks actually covers.
	LockedMatchedLen int

	Sampling SamplingParams

	// PrefillProgress is the count of prompt tokens already committed to
	// cache (spec §3). Reaches len(Prompt) exactly once, at the step the
	// request transitions Prefilling -> Decoding.
	PrefillProgress int

	// PendingWriteBlocks holds the blocks allocated for this request's
	// prefill chunks, accumulated across chunks and not yet inserted into
	// RadixCache (decode blocks go to DecodeBlocks instead). Owned
	// exclusively by this request until commitPrefix hands them to the
	// cache (spec §3: block ownership is free-list | cache node | request
	// pending-write buffer, never shared).
	PendingWriteBlocks []BlockHandle

	// DecodeBlocks accumulates every block allocated for this request's
	// decode steps. Unlike prefill blocks, decode blocks are never handed
	// to RadixCache.InsertPrefix (only the prompt prefix is cached) — they
	// are released to BlockPool directly on Finish/Abort.
	DecodeBlocks []BlockHandle

	// ArrivalOrder breaks ties deterministically among requests created
	// in the same step (monotonically assigned by RequestTable.Admit).
	ArrivalOrder uint64
}

// NumComputedTokens is the total tokens already processed: committed
// prefill tokens plus every generated token (the position of the next
// token to produce).
func (r *Request) NumComputedTokens() int {
	return r.PrefillProgress + len(r.Generated)
}

// FullSequenceLen is the length of the request's canonical token sequence:
// what RadixCache.InsertPrefix should be keyed on once the request reaches
// Decoding (prompt only — generated tokens are never cached by this
// control core; only the shared prompt prefix is worth caching across
// requests).
func (r *Request) FullSequenceLen() int { return len(r.Prompt) }
