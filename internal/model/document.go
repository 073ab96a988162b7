package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DocumentStatus is the ingestion lifecycle state of a Document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid document status transition")

var transitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
	// Retrying failed chunks and reprocessing both go back through processing.
	StatusFailed:    {StatusProcessing},
	StatusProcessed: {StatusProcessing},
}

// Document is the ownership root for one logical source.
type Document struct {
	ID         string
	Title      string
	Status     DocumentStatus
	Metadata   map[string]any
	ModifiedAt time.Time
	CreatedAt  time.Time

	// FailedChunks holds chunk indices that could not be embedded,
	// keyed by content unit ID.
	FailedChunks map[string][]int
}

// NewDocument creates a pending document.
func NewDocument(id, title string, now time.Time) *Document {
	return &Document{
		ID:           id,
		Title:        title,
		Status:       StatusPending,
		Metadata:     map[string]any{},
		ModifiedAt:   now,
		CreatedAt:    now,
		FailedChunks: map[string][]int{},
	}
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to DocumentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the document to status to.
func (d *Document) Transition(to DocumentStatus, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	d.ModifiedAt = now
	return nil
}

// SetFailedChunks records the failing indices for one content unit.
// An empty slice clears the entry.
func (d *Document) SetFailedChunks(contentUnitID string, indices []int) {
	if d.FailedChunks == nil {
		d.FailedChunks = map[string][]int{}
	}
	if len(indices) == 0 {
		delete(d.FailedChunks, contentUnitID)
		return
	}
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	d.FailedChunks[contentUnitID] = sorted
}

// HasFailures reports whether any content unit has failed chunks.
func (d *Document) HasFailures() bool {
	for _, idx := range d.FailedChunks {
		if len(idx) > 0 {
			return true
		}
	}
	return false
}
