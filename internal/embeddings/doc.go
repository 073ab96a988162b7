// Package embeddings turns chunk text into fixed-dimension vectors.
//
// Providers (TEI, FastEmbed, OpenAI-compatible, hash) only translate a batch
// of texts into vectors and classify their failures. The Client owns
// everything around them: normalization, batching up to MaxBatchSize,
// bounded concurrency, rate limiting, per-call timeouts, retry with
// exponential backoff and bisection of failed batches so one bad input
// fails one chunk instead of a whole batch.
package embeddings
