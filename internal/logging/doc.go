// Package logging is ragdoll's structured logger: zap underneath, context
// aware methods on top.
//
// Every method takes a context. Document and query identifiers attached
// with WithDocumentID and WithQueryID, and the active span, are added to
// each entry so ingestion and retrieval logs can be correlated:
//
//	ctx = logging.WithDocumentID(ctx, "policies")
//	logger.Info(ctx, "chunks embedded", zap.Int("count", n))
//
// Logs go to stderr so command output on stdout stays machine readable.
// String values that look like credentials are masked with the same rules
// the ingestion pipeline uses to scrub documents.
package logging
