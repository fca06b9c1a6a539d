package core

import (
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

// MetadataBuilder is the shadowed interface (spec §4.5): anything able to
// build a step's metadata arrays from the same prefill/decode items.
// BatchBuilder satisfies it.
type MetadataBuilder interface {
	Build(prefillItems, decodeItems []BatchItem) *Batch
}

// DivergenceKind names which array a shadow divergence was found in.
type DivergenceKind string

const (
	DivergePositions    DivergenceKind = "positions"
	DivergeInputMapping DivergenceKind = "input_mapping"
	DivergeWriteMapping DivergenceKind = "write_mapping"
)

// DivergenceRecord reports one element-wise mismatch between the primary
// and shadow builders (spec §4.5).
type DivergenceRecord struct {
	ReqID        ReqID
	SlotIndex    int
	PrimaryValue int32
	ShadowValue  int32
	Kind         DivergenceKind

	// StepFingerprint is the primary batch's Batch.Fingerprint(), letting
	// an out-of-process log correlate this record with the
	// wire.ForwardBatchRequest built from the same step without carrying
	// the full arrays alongside the record.
	StepFingerprint uint64
}

// ShadowComparator wraps a primary and shadow MetadataBuilder, invoking the
// shadow every EveryN calls and diffing its output against the primary's
// (spec §4.5). Only the primary's output is ever served downstream.
type ShadowComparator struct {
	Primary  MetadataBuilder
	Shadow   MetadataBuilder
	EveryN   uint32
	MaxDiffs int

	log       *logrus.Logger
	metrics   MetricsSink
	callCount uint64
	diffs     []DivergenceRecord
}

// NewShadowComparator constructs a comparator. everyN == 0 is treated as 1
// (shadow every call, the spec's default). metrics may be nil, in which case
// divergences are still recorded in Diffs but not counted.
func NewShadowComparator(primary, shadow MetadataBuilder, everyN uint32, maxDiffs int, log *logrus.Logger, metrics MetricsSink) *ShadowComparator {
	if everyN == 0 {
		everyN = 1
	}
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	return &ShadowComparator{Primary: primary, Shadow: shadow, EveryN: everyN, MaxDiffs: maxDiffs, log: log, metrics: metrics}
}

// Diffs returns the accumulated divergence log.
func (sc *ShadowComparator) Diffs() []DivergenceRecord { return sc.diffs }

// Build runs the primary builder and, on the configured cadence, the
// shadow builder too, diffing their outputs. The shadow call is isolated:
// a panic inside it is recovered and logged, never propagated (spec §4.5
// "exceptions are caught and logged, never propagated").
func (sc *ShadowComparator) Build(prefillItems, decodeItems []BatchItem) *Batch {
	sc.callCount++
	primary := sc.Primary.Build(prefillItems, decodeItems)

	if sc.callCount%uint64(sc.EveryN) != 0 {
		return primary
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				sc.log.Errorf("shadow builder panicked: %v", r)
			}
		}()
		shadow := sc.Shadow.Build(prefillItems, decodeItems)
		sc.diff(primary, shadow, prefillItems, decodeItems)
	}()

	return primary
}

func (sc *ShadowComparator) diff(primary, shadow *Batch, prefillItems, decodeItems []BatchItem) {
	if cmp.Equal(primary.Positions, shadow.Positions) &&
		cmp.Equal(primary.InputMapping, shadow.InputMapping) &&
		cmp.Equal(primary.WriteMapping, shadow.WriteMapping) {
		return
	}
	sc.metrics.ShadowDivergence()

	fp := primary.Fingerprint()
	owners := slotOwners(prefillItems, decodeItems)
	sc.diffArray(primary.Positions, shadow.Positions, owners, DivergePositions, fp)
	sc.diffArray(primary.InputMapping, shadow.InputMapping, owners, DivergeInputMapping, fp)
	sc.diffArray(primary.WriteMapping, shadow.WriteMapping, owners, DivergeWriteMapping, fp)
}

func (sc *ShadowComparator) diffArray(primary, shadow []int32, owners []ReqID, kind DivergenceKind, fp uint64) {
	n := len(primary)
	if len(shadow) < n {
		n = len(shadow)
	}
	for i := 0; i < n; i++ {
		if primary[i] == shadow[i] {
			continue
		}
		if sc.MaxDiffs > 0 && len(sc.diffs) >= sc.MaxDiffs {
			sc.log.Warnf("shadow divergence log capped at %d records, dropping further diffs", sc.MaxDiffs)
			return
		}
		var owner ReqID
		if i < len(owners) {
			owner = owners[i]
		}
		sc.diffs = append(sc.diffs, DivergenceRecord{
			ReqID:           owner,
			SlotIndex:       i,
			PrimaryValue:    primary[i],
			ShadowValue:     shadow[i],
			Kind:            kind,
			StepFingerprint: fp,
		})
	}
	if len(primary) != len(shadow) {
		sc.log.Warnf("shadow divergence: %s length mismatch primary=%d shadow=%d", kind, len(primary), len(shadow))
	}
}

// slotOwners expands prefillItems then decodeItems into a per-slot ReqID
// array matching BatchBuilder's flattened order, for attributing a
// divergent slot index back to a request.
func slotOwners(prefillItems, decodeItems []BatchItem) []ReqID {
	var owners []ReqID
	for _, it := range prefillItems {
		for range it.Positions {
			owners = append(owners, it.ReqID)
		}
	}
	for _, it := range decodeItems {
		for range it.Positions {
			owners = append(owners, it.ReqID)
		}
	}
	return owners
}
