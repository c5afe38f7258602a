// Package knowledge provides semantic indexing and retrieval over arbitrary text.
//
// The retrieval pipeline embeds content, stores the vectors in a persistent
// index and memoizes similarity searches in a result cache that is allowed to
// fail without affecting results.
//
// Architecture:
//   - Embedder: text-to-vector conversion (mock, local ONNX model, remote API)
//   - Index: persistent nearest-neighbour store (chromem-go)
//   - Cache: fail-open result cache (Redis, in-process, or disabled)
//   - Service: orchestrates indexing, retrieval, thresholds and invalidation
//
// Embedding spaces:
//   - Every index is bound to the Space (model, dimensions) that produced its vectors
//   - A Service refuses an index whose space differs from its embedder's
//   - Switching models requires Reindex, which re-embeds every stored document
package knowledge
