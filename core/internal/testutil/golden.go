// Package testutil provides shared test infrastructure for the scheduler
// core, adapted from the teacher's sim/internal/testutil/golden.go: golden
// trace fixtures instead of golden simulator-metrics fixtures.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/coreinfer/schedcore/core"
)

// GoldenDataset is the structure of testdata/goldendataset.json: a named
// corpus of (token-id sequence, expected batch-metadata arrays) fixtures
// exercising the scenarios in spec §8.
type GoldenDataset struct {
	Cases []GoldenCase `json:"cases"`

	// index maps each case's CorpusKey to its position in Cases, built once
	// by LoadGoldenDataset so ByKey doesn't rescan the corpus per lookup.
	index map[uint64]int
}

// ByKey looks up a case by its CorpusKey (see GoldenCase.Key), the way a
// larger corpus would be indexed without storing the full token sequence
// as the map key itself.
func (d *GoldenDataset) ByKey(key uint64) (GoldenCase, bool) {
	i, ok := d.index[key]
	if !ok {
		return GoldenCase{}, false
	}
	return d.Cases[i], true
}

// GoldenCase pins one step's expected make_positions / make_input_mapping /
// make_write_mapping output against a recorded set of prefill and decode
// items (spec §4.3, §8). PrefillX/DecodeX slices are parallel: index i of
// each PrefillX slice describes one prefill BatchItem, in admission order;
// likewise for DecodeX and the decode items, in fixed join order.
type GoldenCase struct {
	Name string `json:"name"`

	PrefillReqUIDs    []string   `json:"prefill_req_uids"`
	PrefillChunkStart []int      `json:"prefill_chunk_start"`
	PrefillTokens     [][]uint32 `json:"prefill_tokens"`
	PrefillBlocks     [][]uint32 `json:"prefill_blocks"`

	DecodeReqUIDs  []string `json:"decode_req_uids"`
	DecodePosition []int    `json:"decode_position"`
	DecodeToken    []uint32 `json:"decode_token"`
	DecodeBlock    []uint32 `json:"decode_block"`

	ExpectedPositions    []int32 `json:"expected_positions"`
	ExpectedInputMapping []int32 `json:"expected_input_mapping"`
	ExpectedWriteMapping []int32 `json:"expected_write_mapping"`
}

// Key derives this case's CorpusKey from its prefill and decode token
// sequences, in fixture order, so it can be looked up via
// GoldenDataset.ByKey without re-reading the full case by name.
func (c GoldenCase) Key() uint64 {
	var tokens []uint32
	for _, ts := range c.PrefillTokens {
		tokens = append(tokens, ts...)
	}
	tokens = append(tokens, c.DecodeToken...)
	return CorpusKey(tokens)
}

// BuildItems reconstructs the prefill and decode BatchItem slices a
// GoldenCase describes, for feeding directly into core.BatchBuilder.Build.
func (c GoldenCase) BuildItems(t *testing.T) (prefill, decode []core.BatchItem) {
	t.Helper()

	for i := range c.PrefillReqUIDs {
		id, err := core.ParseReqID(c.PrefillReqUIDs[i])
		if err != nil {
			t.Fatalf("golden case %s: bad prefill req_uid: %v", c.Name, err)
		}
		tokens := make(core.TokenVec, len(c.PrefillTokens[i]))
		for j, tok := range c.PrefillTokens[i] {
			tokens[j] = core.TokenID(tok)
		}
		blocks := make([]core.BlockHandle, len(c.PrefillBlocks[i]))
		for j, b := range c.PrefillBlocks[i] {
			blocks[j] = core.BlockHandle(b)
		}
		prefill = append(prefill, core.NewPrefillItem(id, c.PrefillChunkStart[i], tokens, blocks))
	}

	for i := range c.DecodeReqUIDs {
		id, err := core.ParseReqID(c.DecodeReqUIDs[i])
		if err != nil {
			t.Fatalf("golden case %s: bad decode req_uid: %v", c.Name, err)
		}
		decode = append(decode, core.NewDecodeItem(id, c.DecodePosition[i], core.TokenID(c.DecodeToken[i]), core.BlockHandle(c.DecodeBlock[i])))
	}
	return prefill, decode
}

// LoadGoldenDataset loads the golden dataset from the repo-root testdata/
// directory, resolved relative to this source file the same way the
// teacher's LoadGoldenDataset does (sim/internal/testutil/ -> testdata/).
func LoadGoldenDataset(t *testing.T) *GoldenDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to get current file path")
	}
	// core/internal/testutil/ -> repo root testdata/
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "goldendataset.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read golden dataset: %v", err)
	}

	var dataset GoldenDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("failed to parse golden dataset: %v", err)
	}

	dataset.index = make(map[uint64]int, len(dataset.Cases))
	for i, c := range dataset.Cases {
		dataset.index[c.Key()] = i
	}
	return &dataset
}

// CorpusKey derives a stable lookup key for a token-id sequence, so a
// fixture can be indexed without storing the full sequence as a map key.
// Grounded on matrixinfer-ai-kthena's prefix-cache scorer
// (pkg/infer-gateway/scheduler/plugins/prefix.go), which hashes prompt
// blocks with xxhash for the same reason: a cheap fixed-size correlation
// key over a variable-length token window.
func CorpusKey(tokens []uint32) uint64 {
	buf := make([]byte, 4*len(tokens))
	for i, tok := range tokens {
		buf[4*i] = byte(tok)
		buf[4*i+1] = byte(tok >> 8)
		buf[4*i+2] = byte(tok >> 16)
		buf[4*i+3] = byte(tok >> 24)
	}
	return xxhash.Sum64(buf)
}

// AssertInt32SliceEqual is a small testify-free helper for the common
// "compare two i32 arrays element-wise, report every mismatching index" check,
// matching the teacher's AssertFloat64Equal in spirit.
func AssertInt32SliceEqual(t *testing.T, name string, want, got []int32) {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("%s: length mismatch want=%d got=%d", name, len(want), len(got))
		return
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("%s[%d]: want %s, got %s", name, i, fmt.Sprint(want[i]), fmt.Sprint(got[i]))
		}
	}
}
