// Package wire types the payload shapes at the named external interfaces
// of spec §6. Framing (how these bytes travel to the GPU worker process) is
// out of scope; only the Go value shapes are defined here.
package wire

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/coreinfer/schedcore/core"
)

// ForwardBatchRequest is spec §6's "Wire to GPU worker" request shape:
// { positions, input_mapping, write_mapping, sampling_params_per_req, req_uids }.
type ForwardBatchRequest struct {
	Positions    []int32 `json:"positions"`
	InputMapping []int32 `json:"input_mapping"`
	WriteMapping []int32 `json:"write_mapping"`

	SamplingParamsPerReq []core.SamplingParams `json:"sampling_params_per_req"`

	// ReqUIDs is req_uids from spec §6, carried as UUID strings (the
	// control core's ReqID is a uuid.UUID, not a u64) so next_tokens can
	// be aligned back to the right request on return.
	ReqUIDs []string `json:"req_uids"`
}

// ForwardBatchResponse is spec §6's response shape: next_tokens aligned to
// the request's ReqUIDs.
type ForwardBatchResponse struct {
	NextTokens []int32 `json:"next_tokens"`
}

// NewForwardBatchRequest builds the wire payload for one step from its
// StepResult, the shape the GPU-executor boundary receives (spec §6;
// the executor's actual forward_batch execution is out of scope, per §14).
func NewForwardBatchRequest(sr *core.StepResult) ForwardBatchRequest {
	reqUIDs := make([]string, len(sr.ReqUIDs))
	for i, id := range sr.ReqUIDs {
		reqUIDs[i] = id.String()
	}
	req := ForwardBatchRequest{
		SamplingParamsPerReq: sr.SamplingParams,
		ReqUIDs:              reqUIDs,
	}
	if sr.Batch != nil {
		req.Positions = sr.Batch.Positions
		req.InputMapping = sr.Batch.InputMapping
		req.WriteMapping = sr.Batch.WriteMapping
	}
	return req
}

// NextTokens converts a ForwardBatchResponse's raw i32 wire values back to
// core.TokenID, in the same order (aligned to ReqUIDs).
func (r ForwardBatchResponse) NextTokens() []core.TokenID {
	out := make([]core.TokenID, len(r.NextTokens))
	for i, v := range r.NextTokens {
		out[i] = core.TokenID(v)
	}
	return out
}

// Fingerprint computes a stable content hash over the three metadata
// arrays, in the same format as core.Batch.Fingerprint (positions,
// input_mapping, write_mapping, in that order). A core.DivergenceRecord's
// StepFingerprint is the primary batch's Batch.Fingerprint(), so it equals
// the Fingerprint of the ForwardBatchRequest built from that same step
// (NewForwardBatchRequest copies the batch's arrays verbatim) — letting an
// out-of-process log correlate the two without carrying the full arrays
// alongside the divergence record. Grounded on the xxhash usage in
// matrixinfer-ai-kthena's prefix-cache scorer
// (pkg/infer-gateway/scheduler/plugins/prefix.go).
func (r ForwardBatchRequest) Fingerprint() uint64 {
	buf := make([]byte, 0, 4*(len(r.Positions)+len(r.InputMapping)+len(r.WriteMapping)))
	buf = appendI32s(buf, r.Positions)
	buf = appendI32s(buf, r.InputMapping)
	buf = appendI32s(buf, r.WriteMapping)
	return xxhash.Sum64(buf)
}

func appendI32s(buf []byte, vals []int32) []byte {
	var tmp [4]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		buf = append(buf, tmp[:]...)
	}
	return buf
}
