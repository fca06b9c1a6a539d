package core

import lru "github.com/hashicorp/golang-lru/v2"

// BlockHandle is an opaque index into a BlockPool. One block holds KV state
// for a fixed number of tokens (PageSize, typically 1 or 16).
type BlockHandle int32

// block tracks the free-list linkage for a single pool slot. Ownership
// (free list vs. a RadixCache node vs. an in-flight request's pending-write
// buffer) is tracked by the owner, not by the block itself — the pool only
// ever knows "free" or "handed out".
type block struct {
	handle   BlockHandle
	prevFree int32 // index into pool.blocks, -1 if none
	nextFree int32
}

// BlockPool is a fixed-capacity allocator of KV block handles. It maintains
// a doubly linked free list (mirrors the teacher's KVCacheState free-list
// bookkeeping in kvcache.go) so allocate/free are O(1) regardless of which
// blocks are in use.
type BlockPool struct {
	blocks   []block
	freeHead int32
	freeTail int32
	usedCnt  int

	// recentlyFreed is an optional bounded lookaside of recently-released
	// handles, populated only when double-free detection is enabled (test
	// builds and explicit audits — spec §7: integrity checks never run on
	// the hot path). Nil otherwise; Release skips the check entirely then.
	recentlyFreed *lru.Cache[BlockHandle, struct{}]
	doubleFrees   []BlockHandle
}

// EnableDoubleFreeDetection turns on a bounded recently-released lookaside
// of the given size, so Release can flag a handle released twice in a row
// without the scheduler retaining a handle across release (spec §3: block
// ownership is free-list | cache node | pending-write buffer, never
// shared — a double free is an ownership violation CheckIntegrity-adjacent
// tooling wants to catch in test builds).
func (p *BlockPool) EnableDoubleFreeDetection(size int) {
	c, err := lru.New[BlockHandle, struct{}](size)
	if err != nil {
		// size <= 0: disable rather than panic on a diagnostics-only path.
		return
	}
	p.recentlyFreed = c
}

// NewBlockPool creates a pool of nBlocks handles, all initially free.
func NewBlockPool(nBlocks int) *BlockPool {
	p := &BlockPool{
		blocks:   make([]block, nBlocks),
		freeHead: -1,
		freeTail: -1,
	}
	for i := 0; i < nBlocks; i++ {
		p.blocks[i] = block{handle: BlockHandle(i), prevFree: -1, nextFree: -1}
		p.appendFree(int32(i))
	}
	return p
}

func (p *BlockPool) appendFree(i int32) {
	p.blocks[i].nextFree = -1
	if p.freeTail != -1 {
		p.blocks[p.freeTail].nextFree = i
		p.blocks[i].prevFree = p.freeTail
		p.freeTail = i
	} else {
		p.freeHead = i
		p.freeTail = i
		p.blocks[i].prevFree = -1
	}
}

func (p *BlockPool) removeFree(i int32) {
	b := &p.blocks[i]
	if b.prevFree != -1 {
		p.blocks[b.prevFree].nextFree = b.nextFree
	} else {
		p.freeHead = b.nextFree
	}
	if b.nextFree != -1 {
		p.blocks[b.nextFree].prevFree = b.prevFree
	} else {
		p.freeTail = b.prevFree
	}
	b.nextFree = -1
	b.prevFree = -1
}

// Total returns the pool's fixed capacity.
func (p *BlockPool) Total() int { return len(p.blocks) }

// Used returns the number of blocks currently handed out.
func (p *BlockPool) Used() int { return p.usedCnt }

// Free returns the number of blocks available for allocation.
func (p *BlockPool) Free() int { return len(p.blocks) - p.usedCnt }

// Allocate reserves n blocks from the head of the free list (deterministic —
// required for bit-identical parity across implementations, spec §4.4). A
// fresh pool hands out ascending indices; released handles rejoin at the
// tail, so after releases the order is free-list order, not index order.
// It either allocates all n or none.
func (p *BlockPool) Allocate(n int) ([]BlockHandle, bool) {
	if n < 0 {
		return nil, false
	}
	if n > p.Free() {
		return nil, false
	}
	out := make([]BlockHandle, 0, n)
	cur := p.freeHead
	for i := 0; i < n; i++ {
		next := p.blocks[cur].nextFree
		p.removeFree(cur)
		h := p.blocks[cur].handle
		if p.recentlyFreed != nil {
			p.recentlyFreed.Remove(h)
		}
		out = append(out, h)
		p.usedCnt++
		cur = next
	}
	return out, true
}

// Release returns handles to the free list. Handles not currently out
// (e.g. double-release) are ignored defensively by the caller's bookkeeping
// — BlockPool itself trusts its caller, consistent with §7: RadixCache and
// BlockPool are exclusively owned by the scheduler thread, so no caller
// outside this package can corrupt the free list concurrently. When
// EnableDoubleFreeDetection is on, a handle seen twice within the lookaside
// window is recorded and retrievable via DoubleFrees.
func (p *BlockPool) Release(handles []BlockHandle) {
	for _, h := range handles {
		if p.recentlyFreed != nil {
			if _, seen := p.recentlyFreed.Get(h); seen {
				p.doubleFrees = append(p.doubleFrees, h)
			}
			p.recentlyFreed.Add(h, struct{}{})
		}
		p.appendFree(int32(h))
		p.usedCnt--
	}
}

// DoubleFrees returns handles flagged as released more than once while
// double-free detection was enabled. Diagnostics-only; empty when
// EnableDoubleFreeDetection was never called.
func (p *BlockPool) DoubleFrees() []BlockHandle { return p.doubleFrees }
