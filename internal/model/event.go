package model

import "time"

// EventKind distinguishes automatic retrieval events from explicit feedback.
type EventKind string

const (
	EventRetrieval EventKind = "retrieval"
	EventFeedback  EventKind = "feedback"
)

// RetrievalResult is one ranked entry of a RetrievalEvent.
type RetrievalResult struct {
	ChunkID    string  `json:"chunk_id"`
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Lexical    float64 `json:"lexical"`
	Usage      float64 `json:"usage"`
	Recency    float64 `json:"recency"`
}

// RetrievalEvent is an append-only record of one query execution or feedback signal.
type RetrievalEvent struct {
	ID          string            `json:"id"`
	Kind        EventKind         `json:"kind"`
	Query       string            `json:"query,omitempty"`
	QueryVector []float32         `json:"-"`
	Filters     map[string]string `json:"filters,omitempty"`
	Results     []RetrievalResult `json:"results"`
	Degraded    bool              `json:"degraded"`
	Signal      string            `json:"signal,omitempty"`
	Duration    time.Duration     `json:"duration_ns"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ChunkIDs returns the ranked chunk identifiers.
func (e *RetrievalEvent) ChunkIDs() []string {
	ids := make([]string, len(e.Results))
	for i, r := range e.Results {
		ids[i] = r.ChunkID
	}
	return ids
}
