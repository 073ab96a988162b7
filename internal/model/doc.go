// Package model defines the retrieval domain entities shared by every
// ragdoll component: documents, their typed content units, chunks,
// embeddings with usage counters, and retrieval events.
package model
