package core

import "fmt"

// CheckIntegrity walks the full tree verifying the invariants in spec §3
// and the property tests in §8 (P1-P3, P5). It is used by test builds and
// explicit audits (spec §7: KindIntegrity is fatal and is only returned
// from test builds or explicit audits, never from the hot path).
func (rc *RadixCache) CheckIntegrity() error {
	var violations []string
	seenFirstTokens := map[NodeID]map[TokenID]bool{}

	evictable, protected := 0, 0

	var rec func(id NodeID, depth int)
	rec = func(id NodeID, depth int) {
		n := &rc.nodes[id]
		if n.freed {
			violations = append(violations, fmt.Sprintf("node %d: reachable from root but marked freed", id))
			return
		}
		if id != RootNodeID {
			if len(n.blocks) != len(n.edgeTokens) {
				violations = append(violations, fmt.Sprintf("node %d: blocks.len=%d != edge_tokens.len=%d", id, len(n.blocks), len(n.edgeTokens)))
			}
			if len(n.edgeTokens) == 0 {
				violations = append(violations, fmt.Sprintf("node %d: non-root node has empty edge_tokens", id))
			}
			if n.lockCount > 0 {
				protected += len(n.blocks)
			} else {
				evictable += len(n.blocks)
			}
			parent := &rc.nodes[n.parent]
			if parent.lockCount < n.lockCount {
				violations = append(violations, fmt.Sprintf("node %d: lock_count=%d exceeds parent %d's lock_count=%d (P2)", id, n.lockCount, n.parent, parent.lockCount))
			}
		}

		seen := map[TokenID]bool{}
		prevFirst := TokenID(0)
		for i, ce := range n.children {
			if seen[ce.firstToken] {
				violations = append(violations, fmt.Sprintf("node %d: duplicate child first-token %d (P3)", id, ce.firstToken))
			}
			seen[ce.firstToken] = true
			if i > 0 && ce.firstToken <= prevFirst {
				violations = append(violations, fmt.Sprintf("node %d: children not strictly sorted at index %d", id, i))
			}
			prevFirst = ce.firstToken

			child := &rc.nodes[ce.child]
			if child.parent != id {
				violations = append(violations, fmt.Sprintf("node %d: child %d's parent pointer is %d, not %d", id, ce.child, child.parent, id))
			}
			rec(ce.child, depth+1)
		}
		seenFirstTokens[id] = seen
	}
	rec(RootNodeID, 0)

	if evictable != rc.evictableBlocks {
		violations = append(violations, fmt.Sprintf("evictable block tally drift: tracked=%d actual=%d", rc.evictableBlocks, evictable))
	}
	if protected != rc.protectedBlocks {
		violations = append(violations, fmt.Sprintf("protected block tally drift: tracked=%d actual=%d", rc.protectedBlocks, protected))
	}
	if evictable+protected > rc.totalBlocks {
		violations = append(violations, fmt.Sprintf("cached blocks (%d) exceed total capacity (%d)", evictable+protected, rc.totalBlocks))
	}

	if len(violations) == 0 {
		return nil
	}
	return &IntegrityError{Violations: violations}
}

// IntegrityError reports one or more invariant violations found by
// CheckIntegrity. The Scheduler never calls CheckIntegrity, so it does not
// stop, drain, log or exit on a violation; only the caller that ran the
// check sees this error.
type IntegrityError struct {
	Violations []string
}

func (e *IntegrityError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("cache integrity violation: %s", e.Violations[0])
	}
	return fmt.Sprintf("cache integrity violation: %d issues, first: %s", len(e.Violations), e.Violations[0])
}
