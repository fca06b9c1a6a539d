package core_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinfer/schedcore/core"
	"github.com/coreinfer/schedcore/wire"
)

type constBuilder struct{ batch *core.Batch }

func (b constBuilder) Build(_, _ []core.BatchItem) *core.Batch { return b.batch }

type panicBuilder struct{}

func (panicBuilder) Build(_, _ []core.BatchItem) *core.Batch { panic("shadow exploded") }

type countingMetrics struct {
	core.NoopMetricsSink
	divergences int
}

func (m *countingMetrics) ShadowDivergence() { m.divergences++ }

func TestShadowComparator_AlwaysServesPrimaryOutput(t *testing.T) {
	// GIVEN a comparator whose primary and shadow disagree
	primary := &core.Batch{Positions: []int32{1, 2}, InputMapping: []int32{1, 2}, WriteMapping: []int32{1, 2}}
	shadow := &core.Batch{Positions: []int32{9, 9}, InputMapping: []int32{9, 9}, WriteMapping: []int32{9, 9}}
	sc := core.NewShadowComparator(constBuilder{primary}, constBuilder{shadow}, 1, 0, logrus.StandardLogger(), nil)

	// WHEN Build runs
	got := sc.Build(nil, nil)

	// THEN the caller always receives the primary's output
	assert.Same(t, primary, got)
}

func TestShadowComparator_RecordsDivergence_AndReportsToMetrics(t *testing.T) {
	// GIVEN a comparator whose builders disagree on one slot
	primary := &core.Batch{Positions: []int32{1, 2}, InputMapping: []int32{10, 20}, WriteMapping: []int32{0, 1}}
	shadow := &core.Batch{Positions: []int32{1, 2}, InputMapping: []int32{10, 99}, WriteMapping: []int32{0, 1}}
	metrics := &countingMetrics{}
	sc := core.NewShadowComparator(constBuilder{primary}, constBuilder{shadow}, 1, 0, logrus.StandardLogger(), metrics)

	item := core.NewDecodeItem(core.NewReqID(), 0, 7, 0)
	items := []core.BatchItem{item, item}

	// WHEN Build runs and the shadow diverges
	sc.Build(nil, items)

	// THEN exactly one divergence record lands, in input_mapping, and
	// metrics observes it once
	require.Len(t, sc.Diffs(), 1)
	assert.Equal(t, core.DivergeInputMapping, sc.Diffs()[0].Kind)
	assert.Equal(t, 1, sc.Diffs()[0].SlotIndex)
	assert.Equal(t, int32(20), sc.Diffs()[0].PrimaryValue)
	assert.Equal(t, int32(99), sc.Diffs()[0].ShadowValue)
	assert.Equal(t, 1, metrics.divergences)

	// AND the recorded StepFingerprint correlates with the
	// wire.ForwardBatchRequest the Scheduler would have sent for this step
	sr := &core.StepResult{Batch: primary}
	assert.Equal(t, primary.Fingerprint(), sc.Diffs()[0].StepFingerprint)
	assert.Equal(t, wire.NewForwardBatchRequest(sr).Fingerprint(), sc.Diffs()[0].StepFingerprint)
}

func TestShadowComparator_EveryN_SkipsInterveningCalls(t *testing.T) {
	// GIVEN a comparator sampled every 3rd call, always disagreeing
	primary := &core.Batch{Positions: []int32{1}, InputMapping: []int32{1}, WriteMapping: []int32{1}}
	shadow := &core.Batch{Positions: []int32{2}, InputMapping: []int32{2}, WriteMapping: []int32{2}}
	metrics := &countingMetrics{}
	sc := core.NewShadowComparator(constBuilder{primary}, constBuilder{shadow}, 3, 0, logrus.StandardLogger(), metrics)

	// WHEN Build is called 3 times
	sc.Build(nil, nil)
	sc.Build(nil, nil)
	sc.Build(nil, nil)

	// THEN only the 3rd call actually invoked the shadow comparison
	assert.Equal(t, 1, metrics.divergences)
}

func TestShadowComparator_ShadowPanic_IsRecoveredAndLogged(t *testing.T) {
	// GIVEN a shadow builder that panics
	primary := &core.Batch{Positions: []int32{1}, InputMapping: []int32{1}, WriteMapping: []int32{1}}
	log, hook := test.NewNullLogger()
	sc := core.NewShadowComparator(constBuilder{primary}, panicBuilder{}, 1, 0, log, nil)

	// WHEN Build runs
	var got *core.Batch
	require.NotPanics(t, func() {
		got = sc.Build(nil, nil)
	})

	// THEN the primary's output is still served, and the panic was logged
	assert.Same(t, primary, got)
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestShadowComparator_MaxDiffs_CapsRecordedDivergences(t *testing.T) {
	// GIVEN a comparator with every slot diverging but a cap of 1 record
	primary := &core.Batch{Positions: []int32{1, 1, 1}, InputMapping: []int32{1, 1, 1}, WriteMapping: []int32{1, 1, 1}}
	shadow := &core.Batch{Positions: []int32{2, 2, 2}, InputMapping: []int32{1, 1, 1}, WriteMapping: []int32{1, 1, 1}}
	sc := core.NewShadowComparator(constBuilder{primary}, constBuilder{shadow}, 1, 1, logrus.StandardLogger(), nil)

	// WHEN Build runs
	sc.Build(nil, nil)

	// THEN recording stops at the cap, even though 3 slots disagree
	assert.Len(t, sc.Diffs(), 1)
}
