package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinfer/schedcore/core"
	"github.com/coreinfer/schedcore/core/internal/testutil"
)

func TestBatchBuilder_GoldenDataset(t *testing.T) {
	dataset := testutil.LoadGoldenDataset(t)

	for _, c := range dataset.Cases {
		c := c
		t.Run(c.Name, func(t *testing.T) {
			prefill, decode := c.BuildItems(t)

			batch := core.BatchBuilder{}.Build(prefill, decode)

			testutil.AssertInt32SliceEqual(t, "positions", c.ExpectedPositions, batch.Positions)
			testutil.AssertInt32SliceEqual(t, "input_mapping", c.ExpectedInputMapping, batch.InputMapping)
			testutil.AssertInt32SliceEqual(t, "write_mapping", c.ExpectedWriteMapping, batch.WriteMapping)
		})
	}
}

// GIVEN a golden dataset loaded into its CorpusKey index
// WHEN a case is looked up by the key derived from its own token sequence
// THEN the index resolves back to that exact case, without a linear scan
func TestGoldenDataset_ByKey_ResolvesCaseFromItsOwnCorpusKey(t *testing.T) {
	dataset := testutil.LoadGoldenDataset(t)
	require.NotEmpty(t, dataset.Cases)

	for _, c := range dataset.Cases {
		got, ok := dataset.ByKey(c.Key())
		require.True(t, ok, "case %s: key not found in index", c.Name)
		assert.Equal(t, c.Name, got.Name)
	}

	_, ok := dataset.ByKey(testutil.CorpusKey([]uint32{0xdeadbeef}))
	assert.False(t, ok, "unrelated token sequence must not collide with a real case")
}
