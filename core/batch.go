package core

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// BatchItem is one request's contribution to a step's batch: a prefill
// chunk or a single decode slot, already resolved to the slots it emits
// (spec §4.3). BatchBuilder only concatenates; all policy (chunk sizing,
// block allocation, preemption) happens upstream in PrefillAdmission and
// the Scheduler.
type BatchItem struct {
	ReqID ReqID

	// Positions, Tokens and WriteBlocks all share length: one entry per
	// slot this item contributes.
	Positions   []int32
	Tokens      []int32
	WriteBlocks []int32
}

// NewPrefillItem builds the BatchItem for a prefill chunk covering
// promptChunk, a tokens slice of length chunkLen starting at chunkStart in
// the request's prompt (spec §4.3 positions/input_mapping for prefill).
func NewPrefillItem(reqID ReqID, chunkStart int, promptChunk TokenVec, blocks []BlockHandle) BatchItem {
	n := len(promptChunk)
	it := BatchItem{
		ReqID:       reqID,
		Positions:   make([]int32, n),
		Tokens:      make([]int32, n),
		WriteBlocks: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		it.Positions[i] = int32(chunkStart + i)
		it.Tokens[i] = int32(promptChunk[i])
		it.WriteBlocks[i] = int32(blocks[i])
	}
	return it
}

// NewDecodeItem builds the BatchItem for one request's single decode slot.
// position is prompt.len()+generated.len(); token is the most recently
// produced token (or the last prompt token, for a request whose prompt
// landed fully cached and is sampling its first token); block is the
// just-in-time-allocated block for the token about to be written.
func NewDecodeItem(reqID ReqID, position int, token TokenID, block BlockHandle) BatchItem {
	return BatchItem{
		ReqID:       reqID,
		Positions:   []int32{int32(position)},
		Tokens:      []int32{int32(token)},
		WriteBlocks: []int32{int32(block)},
	}
}

// Batch is the emitted step payload, matching the GPU-worker wire shape of
// spec §6 (sampling_params_per_req and req_uids are carried by the
// Scheduler alongside this; Batch itself holds only the metadata arrays).
type Batch struct {
	Positions    []int32
	InputMapping []int32
	WriteMapping []int32
}

// TotalSlots returns the shared length of the three arrays.
func (b *Batch) TotalSlots() int { return len(b.Positions) }

// Fingerprint computes a stable content hash over the three metadata
// arrays, in the same positions/input_mapping/write_mapping byte order as
// wire.ForwardBatchRequest.Fingerprint, so a DivergenceRecord's
// StepFingerprint (core/shadow.go) can be correlated against the
// ForwardBatchRequest built from the primary batch that produced it.
func (b *Batch) Fingerprint() uint64 {
	buf := make([]byte, 0, 4*(len(b.Positions)+len(b.InputMapping)+len(b.WriteMapping)))
	buf = append(buf, packI32(b.Positions)...)
	buf = append(buf, packI32(b.InputMapping)...)
	buf = append(buf, packI32(b.WriteMapping)...)
	return xxhash.Sum64(buf)
}

// BatchBuilder emits positions/input_mapping/write_mapping for a step's
// combined batch in fixed order: prefill items (in admission order), then
// decode items (in the fixed cross-step join order) — spec §4.3.
type BatchBuilder struct{}

// Build concatenates prefillItems then decodeItems, in the order given
// (the caller is responsible for ordering each slice correctly per spec
// §4.3; BatchBuilder does not reorder).
func (BatchBuilder) Build(prefillItems, decodeItems []BatchItem) *Batch {
	items := make([]BatchItem, 0, len(prefillItems)+len(decodeItems))
	items = append(items, prefillItems...)
	items = append(items, decodeItems...)

	total := 0
	for _, it := range items {
		total += len(it.Positions)
	}

	b := &Batch{
		Positions:    make([]int32, 0, total),
		InputMapping: make([]int32, 0, total),
		WriteMapping: make([]int32, 0, total),
	}
	for _, it := range items {
		b.Positions = append(b.Positions, it.Positions...)
		b.InputMapping = append(b.InputMapping, it.Tokens...)
		b.WriteMapping = append(b.WriteMapping, it.WriteBlocks...)
	}
	return b
}

// MakePositions is the standalone metadata-build entry point named in spec
// §6 (make_positions), exposed independently of BatchBuilder.Build so a
// shadow implementation can be driven through the same three functions.
func MakePositions(prefillItems, decodeItems []BatchItem) []int32 {
	return BatchBuilder{}.Build(prefillItems, decodeItems).Positions
}

// MakeInputMapping is spec §6's make_input_mapping. positions is accepted
// to mirror the external interface and is checked for length agreement;
// the mapping itself is derived from the items, not from positions.
func MakeInputMapping(prefillItems, decodeItems []BatchItem, positions []int32) ([]int32, error) {
	b := BatchBuilder{}.Build(prefillItems, decodeItems)
	if len(b.Positions) != len(positions) {
		return nil, newErr(KindBadPayload, ReqID{}, "make_input_mapping: positions length %d does not match batch length %d", len(positions), len(b.Positions))
	}
	return b.InputMapping, nil
}

// MakeWriteMapping is spec §6's make_write_mapping.
func MakeWriteMapping(prefillItems, decodeItems []BatchItem) []int32 {
	return BatchBuilder{}.Build(prefillItems, decodeItems).WriteMapping
}

// MakeMetadataBuffers is spec §6's make_metadata_buffers: the three arrays
// packed as little-endian i32 byte buffers, in the exact order positions,
// input_mapping, write_mapping, suitable for zero-copy construction of a
// tensor on the receiving side (spec §9 "Zero-copy emission").
func MakeMetadataBuffers(prefillItems, decodeItems []BatchItem) (positions, inputMapping, writeMapping []byte) {
	b := BatchBuilder{}.Build(prefillItems, decodeItems)
	return packI32(b.Positions), packI32(b.InputMapping), packI32(b.WriteMapping)
}

func packI32(vals []int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}
