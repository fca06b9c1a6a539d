package core

import "container/heap"

// SizeInfo reports the RadixCache's block accounting, derived from its own
// node bookkeeping independent of BlockPool's free-list bookkeeping.
// FreeBlocks is TotalBlocks minus the cached (evictable + protected) blocks,
// so it also counts blocks held by requests outside the cache; nothing here
// compares it with BlockPool.Free.
type SizeInfo struct {
	TotalBlocks     int
	EvictableBlocks int
	ProtectedBlocks int
	FreeBlocks      int
}

// CacheHandle is the opaque lock token returned by LockHandle/InsertPrefix.
// It carries the owning cache so Unlock/InsertPrefix can reject a handle
// from a different RadixCache instance with KindBadPayload (spec §7)
// instead of corrupting an unrelated tree.
type CacheHandle struct {
	owner *RadixCache
	node  NodeID
}

// RadixCache is a prefix tree keyed by token-id sequences, tracking
// KV-block ownership per spec §4.1. Nodes are arena-allocated (radixnode.go);
// there are no pointer cycles and detach is O(1).
type RadixCache struct {
	nodes    []radixNode
	freeList []NodeID

	totalBlocks     int
	evictableBlocks int
	protectedBlocks int

	clock uint64 // monotonic step counter, stamped into last_access on every match (spec §9)
}

// NewRadixCache creates an empty cache. totalBlocks is the BlockPool
// capacity this cache's accounting is checked against (SizeInfo.FreeBlocks
// and property P1).
func NewRadixCache(totalBlocks int) *RadixCache {
	rc := &RadixCache{
		nodes:       make([]radixNode, 1, 64),
		totalBlocks: totalBlocks,
	}
	rc.nodes[RootNodeID] = radixNode{parent: noParent}
	return rc
}

func (rc *RadixCache) tick() uint64 {
	rc.clock++
	return rc.clock
}

func (rc *RadixCache) allocNode() NodeID {
	if n := len(rc.freeList); n > 0 {
		id := rc.freeList[n-1]
		rc.freeList = rc.freeList[:n-1]
		return id
	}
	id := NodeID(len(rc.nodes))
	rc.nodes = append(rc.nodes, radixNode{})
	return id
}

// walkState is the result of walking a token sequence from the root as far
// as the tree already goes.
type walkState struct {
	stopNode      NodeID
	matchedLen    int
	blocks        []BlockHandle // blocks of fully-consumed edges only
	partialChild  NodeID        // -1 if the walk stopped exactly at stopNode
	partialCommon int           // shared length with partialChild's edge, if partialChild >= 0
}

// walk descends from root matching tokens edge-by-edge. It stamps
// last_access on every fully-consumed node (and on a partially matched
// child, since it was visited too) but never mutates tree topology —
// match_prefix is a pure function of state modulo LRU timestamps (§4.1).
func (rc *RadixCache) walk(tokens TokenVec) walkState {
	node := RootNodeID
	pos := 0
	var blocks []BlockHandle
	t := rc.tick()
	for pos < len(tokens) {
		n := &rc.nodes[node]
		idx := n.findChild(tokens[pos])
		if idx < 0 {
			break
		}
		ce := n.children[idx]
		child := &rc.nodes[ce.child]
		remaining := tokens[pos:]
		c := child.edgeTokens.CommonPrefixLen(remaining)
		if c < len(child.edgeTokens) {
			child.lastAccess = t
			return walkState{stopNode: node, matchedLen: pos + c, blocks: blocks, partialChild: ce.child, partialCommon: c}
		}
		blocks = append(blocks, child.blocks...)
		pos += c
		node = ce.child
		rc.nodes[node].lastAccess = t
	}
	return walkState{stopNode: node, matchedLen: pos, blocks: blocks, partialChild: -1}
}

// MatchPrefix returns the longest already-cached prefix length of tokens,
// the block handles covering it, and the terminal node reached. It does not
// mutate tree topology. On an empty tree it returns (0, nil, RootNodeID)
// (boundary B1).
func (rc *RadixCache) MatchPrefix(tokens TokenVec) (matchedLen int, blocks []BlockHandle, terminal NodeID) {
	ws := rc.walk(tokens)
	if ws.partialChild < 0 {
		return ws.matchedLen, ws.blocks, ws.stopNode
	}
	child := &rc.nodes[ws.partialChild]
	out := make([]BlockHandle, 0, len(ws.blocks)+ws.partialCommon)
	out = append(out, ws.blocks...)
	out = append(out, child.blocks[:ws.partialCommon]...)
	return ws.matchedLen, out, ws.stopNode
}

// splitEdge splits the edge from parent to child at offset c (0 < c <
// len(child.edgeTokens)): the first c tokens become a new intermediate
// node's edge (parent -> intermediate), and child keeps the remainder
// (intermediate -> child). Blocks are partitioned accordingly; all of
// child's existing children stay with child. The intermediate inherits
// child's current lock_count — every request locked at or below child
// already has its path passing through the new intermediate node, so the
// class (protected/evictable) of the reassigned blocks doesn't change and
// the evictable/protected tallies need no adjustment here.
func (rc *RadixCache) splitEdge(parent, child NodeID, c int) NodeID {
	cn := &rc.nodes[child]
	inter := rc.allocNode()

	rc.nodes[inter] = radixNode{
		parent:     parent,
		edgeTokens: cn.edgeTokens[:c].Clone(),
		blocks:     append([]BlockHandle{}, cn.blocks[:c]...),
		lockCount:  cn.lockCount,
		lastAccess: cn.lastAccess,
	}

	remTokens := cn.edgeTokens[c:].Clone()
	remBlocks := append([]BlockHandle{}, cn.blocks[c:]...)
	rc.nodes[inter].children = []childEdge{{firstToken: remTokens[0], child: child}}

	cn = &rc.nodes[child]
	cn.edgeTokens = remTokens
	cn.blocks = remBlocks
	cn.parent = inter

	pn := &rc.nodes[parent]
	idx := pn.findChild(rc.nodes[inter].edgeTokens[0])
	pn.children[idx].child = inter

	return inter
}

// adjustLock adds delta to node's lock_count and every ancestor's up to and
// including the root, maintaining the evictable/protected block tallies as
// each node's count crosses the zero boundary.
func (rc *RadixCache) adjustLock(node NodeID, delta int32) {
	for n := node; n != noParent; {
		nd := &rc.nodes[n]
		old := nd.lockCount
		if delta >= 0 {
			nd.lockCount += uint32(delta)
		} else {
			nd.lockCount -= uint32(-delta)
		}
		if n != RootNodeID {
			if old == 0 && nd.lockCount > 0 {
				rc.evictableBlocks -= len(nd.blocks)
				rc.protectedBlocks += len(nd.blocks)
			} else if old > 0 && nd.lockCount == 0 {
				rc.protectedBlocks -= len(nd.blocks)
				rc.evictableBlocks += len(nd.blocks)
			}
		}
		n = nd.parent
	}
}

// LockHandle matches tokens like MatchPrefix, but additionally splits the
// terminal edge (if the match stopped partway through one) so there is an
// exact node at matchedLen, then locks that node and every ancestor. The
// returned CacheHandle must later be passed to Unlock.
func (rc *RadixCache) LockHandle(tokens TokenVec) (matchedLen int, blocks []BlockHandle, handle CacheHandle) {
	ws := rc.walk(tokens)
	terminal := ws.stopNode
	allBlocks := ws.blocks
	if ws.partialChild >= 0 {
		terminal = rc.splitEdge(ws.stopNode, ws.partialChild, ws.partialCommon)
		out := make([]BlockHandle, 0, len(ws.blocks)+len(rc.nodes[terminal].blocks))
		out = append(out, ws.blocks...)
		out = append(out, rc.nodes[terminal].blocks...)
		allBlocks = out
	}
	rc.adjustLock(terminal, 1)
	return ws.matchedLen, allBlocks, CacheHandle{owner: rc, node: terminal}
}

// Unlock decrements lock_count on handle's node and all ancestors. It is a
// no-op structurally — eviction of now-unprotected leaves only happens when
// Evict is next called.
func (rc *RadixCache) Unlock(handle CacheHandle) error {
	if handle.owner != rc {
		return newErr(KindBadPayload, ReqID{}, "unlock: handle belongs to a different cache instance")
	}
	if int(handle.node) >= len(rc.nodes) || rc.nodes[handle.node].freed {
		return newErr(KindBadPayload, ReqID{}, "unlock: handle refers to a freed or unknown node")
	}
	if rc.nodes[handle.node].lockCount == 0 {
		return newErr(KindBadPayload, ReqID{}, "unlock: node is not locked")
	}
	rc.adjustLock(handle.node, -1)
	return nil
}

// InsertPrefix extends the cache under parentHandle's node with tokens and
// their blocks. If an existing child already covers part of tokens, the
// insertion deduplicates by walking/splitting first; the portion of the
// caller-supplied blocks covering that overlap is returned in freed so the
// caller can return them to BlockPool (the existing cached blocks are
// authoritative). The new deepest node is locked and returned as a fresh
// handle; InsertPrefix does NOT unlock parentHandle — per spec §4.1, the
// caller performs that unlock itself once it holds the new handle, so a
// "move deeper" transition never has a window with neither lock held.
func (rc *RadixCache) InsertPrefix(parentHandle CacheHandle, tokens TokenVec, blocks []BlockHandle) (CacheHandle, []BlockHandle, error) {
	if parentHandle.owner != rc {
		return CacheHandle{}, nil, newErr(KindBadPayload, ReqID{}, "insert_prefix: handle belongs to a different cache instance")
	}
	if len(tokens) != len(blocks) {
		return CacheHandle{}, nil, newErr(KindBadPayload, ReqID{}, "insert_prefix: %d tokens but %d blocks", len(tokens), len(blocks))
	}

	node := parentHandle.node
	var freed []BlockHandle
	remTokens := tokens
	remBlocks := blocks

	for len(remTokens) > 0 {
		n := &rc.nodes[node]
		idx := n.findChild(remTokens[0])
		if idx < 0 {
			newID := rc.newLeaf(node, remTokens, remBlocks)
			n.insertChild(remTokens[0], newID)
			node = newID
			break
		}

		ce := n.children[idx]
		child := &rc.nodes[ce.child]
		c := child.edgeTokens.CommonPrefixLen(remTokens)

		switch {
		case c == len(child.edgeTokens) && c == len(remTokens):
			freed = append(freed, remBlocks...)
			node = ce.child
			remTokens = nil
		case c == len(child.edgeTokens):
			freed = append(freed, remBlocks[:c]...)
			remTokens = remTokens[c:]
			remBlocks = remBlocks[c:]
			node = ce.child
		default:
			inter := rc.splitEdge(node, ce.child, c)
			freed = append(freed, remBlocks[:c]...)
			remTokens = remTokens[c:]
			remBlocks = remBlocks[c:]
			if len(remTokens) == 0 {
				node = inter
			} else {
				newID := rc.newLeaf(inter, remTokens, remBlocks)
				rc.nodes[inter].insertChild(remTokens[0], newID)
				node = newID
			}
			remTokens = nil
		}
	}

	rc.adjustLock(node, 1)
	return CacheHandle{owner: rc, node: node}, freed, nil
}

// newLeaf allocates a fresh unlocked leaf node and accounts for its blocks
// as evictable (adjustLock moves them to protected if the caller locks it).
func (rc *RadixCache) newLeaf(parent NodeID, tokens TokenVec, blocks []BlockHandle) NodeID {
	id := rc.allocNode()
	rc.nodes[id] = radixNode{
		parent:     parent,
		edgeTokens: tokens.Clone(),
		blocks:     append([]BlockHandle{}, blocks...),
		lastAccess: rc.tick(),
	}
	rc.evictableBlocks += len(blocks)
	return id
}

// nodeHeap orders NodeIDs by ascending last_access, tie-broken by ascending
// NodeID (spec §4.1: deterministic eviction order).
type nodeHeap struct {
	ids []NodeID
	rc  *RadixCache
}

func (h nodeHeap) Len() int { return len(h.ids) }
func (h nodeHeap) Less(i, j int) bool {
	ni, nj := &h.rc.nodes[h.ids[i]], &h.rc.nodes[h.ids[j]]
	if ni.lastAccess != nj.lastAccess {
		return ni.lastAccess < nj.lastAccess
	}
	return h.ids[i] < h.ids[j]
}
func (h nodeHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *nodeHeap) Push(x any)   { h.ids = append(h.ids, x.(NodeID)) }
func (h *nodeHeap) Pop() any {
	old := h.ids
	n := len(old)
	x := old[n-1]
	h.ids = old[:n-1]
	return x
}

func (rc *RadixCache) collectEvictableLeaves() []NodeID {
	var out []NodeID
	var rec func(id NodeID)
	rec = func(id NodeID) {
		n := &rc.nodes[id]
		if len(n.children) == 0 {
			if id != RootNodeID && n.lockCount == 0 {
				out = append(out, id)
			}
			return
		}
		for _, ce := range n.children {
			rec(ce.child)
		}
	}
	rec(RootNodeID)
	return out
}

func (rc *RadixCache) removeNode(id NodeID) {
	n := rc.nodes[id]
	if n.parent != noParent && len(n.edgeTokens) > 0 {
		rc.nodes[n.parent].removeChild(n.edgeTokens[0])
	}
	rc.nodes[id] = radixNode{freed: true}
	rc.freeList = append(rc.freeList, id)
}

// Evict selects evictable leaves in ascending last_access order (NodeID
// tie-break), freeing blocks until nBlocksNeeded is met or no evictable
// leaves remain. It may return fewer blocks than requested — the caller
// treats that as capacity exhaustion (spec §4.1, §7 KindCapacity).
func (rc *RadixCache) Evict(nBlocksNeeded int) []BlockHandle {
	if nBlocksNeeded <= 0 {
		return nil
	}
	h := &nodeHeap{ids: rc.collectEvictableLeaves(), rc: rc}
	heap.Init(h)

	var freed []BlockHandle
	for len(freed) < nBlocksNeeded && h.Len() > 0 {
		id := heap.Pop(h).(NodeID)
		n := rc.nodes[id]
		freed = append(freed, n.blocks...)
		rc.evictableBlocks -= len(n.blocks)

		parent := n.parent
		rc.removeNode(id)

		if parent != noParent && parent != RootNodeID {
			pn := rc.nodes[parent]
			if len(pn.children) == 0 && pn.lockCount == 0 {
				heap.Push(h, parent)
			}
		}
	}
	return freed
}

// SizeInfo reports the cache's own block accounting (spec §3, §8 P1).
func (rc *RadixCache) SizeInfo() SizeInfo {
	return SizeInfo{
		TotalBlocks:     rc.totalBlocks,
		EvictableBlocks: rc.evictableBlocks,
		ProtectedBlocks: rc.protectedBlocks,
		FreeBlocks:      rc.totalBlocks - rc.evictableBlocks - rc.protectedBlocks,
	}
}
