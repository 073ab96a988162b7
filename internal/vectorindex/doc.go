// Package vectorindex stores (chunk, vector, metadata) tuples and answers
// nearest-neighbor queries behind one Index interface.
//
// Strategies:
//   - flat: exact brute-force scan, the correctness baseline
//   - ivf: inverted-file index over k-means clusters, nprobe tunes recall
//   - chromem: embedded persistent store (cosine only)
//   - qdrant: remote HNSW over gRPC with retry and a circuit breaker
//
// The metric is fixed per index instance. Readers never block on writers:
// in-process strategies publish immutable snapshots through atomic pointers.
package vectorindex
