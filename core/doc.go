// Package core implements the CPU-side control core of the inference
// server: the radix prefix KV cache and the per-step scheduling engine that
// composes GPU batches.
//
// # Reading Guide
//
// Start with these files to understand the step loop:
//   - request.go, requesttable.go: request lifecycle and the table owning it
//   - radixnode.go, radixcache.go: the prefix cache (match/lock/insert/evict)
//   - blockpool.go: the KV block free-list
//   - admission.go: chunked-prefill admission under a token budget
//   - batch.go: positions/input_mapping/write_mapping assembly
//   - scheduler.go: PrepareStep/ApplyStep, the per-step driver
//
// # Ownership
//
// RequestTable, RadixCache and BlockPool are exclusively owned and mutated by
// the scheduler thread; nothing here is safe for concurrent access from
// multiple goroutines. Cross-thread handoff happens only at the ingress
// channel and the GPU round trip, both outside this package.
package core
