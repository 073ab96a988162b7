// Package chunker splits normalized text into overlapping, boundary-aware
// token windows.
//
// Text is tokenized into whitespace-separated units with byte offsets. A
// window of MaxTokens advances by MaxTokens-OverlapTokens. With a boundary
// mode set, the window end snaps back to the nearest sentence or paragraph
// end within Tolerance tokens; a snapped window starts the next chunk at the
// boundary, so overlap collapses to zero between whole sentences. Without a
// boundary in range the window is cut hard and overlap applies.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/google/uuid"
)

// ErrInvalidConfig is returned for unusable chunking options.
var ErrInvalidConfig = errors.New("chunker: invalid configuration")

// Boundary selects where windows prefer to end.
type Boundary string

const (
	BoundaryNone      Boundary = "none"
	BoundarySentence  Boundary = "sentence"
	BoundaryParagraph Boundary = "paragraph"
)

// Options configures a Chunker.
type Options struct {
	MaxTokens     int
	OverlapTokens int
	Boundary      Boundary
	// Tolerance is how many tokens a window end may move back to reach a
	// boundary. Zero means max(1, MaxTokens/4).
	Tolerance int
	// MinChunkTokens is the floor for a trailing chunk; shorter remainders
	// merge into the previous chunk. Zero means max(1, MaxTokens/8).
	MinChunkTokens int
	Estimator      TokenEstimator
}

// Validate rejects inconsistent options. Overlap is never clamped.
func (o Options) Validate() error {
	if o.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidConfig, o.MaxTokens)
	}
	if o.OverlapTokens < 0 {
		return fmt.Errorf("%w: overlap cannot be negative", ErrInvalidConfig)
	}
	if o.OverlapTokens >= o.MaxTokens {
		return fmt.Errorf("%w: overlap %d must be smaller than max tokens %d", ErrInvalidConfig, o.OverlapTokens, o.MaxTokens)
	}
	switch o.Boundary {
	case "", BoundaryNone, BoundarySentence, BoundaryParagraph:
	default:
		return fmt.Errorf("%w: unknown boundary mode %q", ErrInvalidConfig, o.Boundary)
	}
	if o.Tolerance < 0 || o.MinChunkTokens < 0 {
		return fmt.Errorf("%w: tolerance and min chunk tokens cannot be negative", ErrInvalidConfig)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Boundary == "" {
		o.Boundary = BoundaryNone
	}
	if o.Tolerance == 0 {
		o.Tolerance = max(1, o.MaxTokens/4)
	}
	if o.MinChunkTokens == 0 {
		o.MinChunkTokens = max(1, o.MaxTokens/8)
	}
	if o.Estimator == nil {
		o.Estimator = WordEstimator{}
	}
	return o
}

// Span is one chunk of input text. Offsets are byte offsets into the
// normalized input; token positions index the unit sequence.
type Span struct {
	Index       int
	StartOffset int
	EndOffset   int
	StartToken  int
	EndToken    int
	Tokens      int
	Text        string
}

// Chunker splits text according to Options. It is safe for concurrent use.
type Chunker struct {
	opts Options
	now  func() time.Time
}

// New validates opts and returns a Chunker.
func New(opts Options) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{opts: opts.withDefaults(), now: time.Now}, nil
}

// Options returns the effective options, defaults applied.
func (c *Chunker) Options() Options {
	return c.opts
}

// Chunk splits text with the given window. It is a convenience over New.
func Chunk(text string, maxTokens, overlapTokens int, boundary Boundary) ([]Span, error) {
	c, err := New(Options{MaxTokens: maxTokens, OverlapTokens: overlapTokens, Boundary: boundary})
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// Split returns spans in document order. Empty input yields no spans.
func (c *Chunker) Split(text string) []Span {
	text = normalizeNewlines(text)
	units := tokenize(text)
	if len(units) == 0 {
		return nil
	}

	costs := make([]int, len(units))
	for i, u := range units {
		costs[i] = max(1, c.opts.Estimator.Estimate(text[u.start:u.end]))
	}

	var spans []Span
	start := 0
	for start < len(units) {
		// Every chunk must reach past the previous one.
		minEnd := start + 1
		if len(spans) > 0 {
			minEnd = max(minEnd, spans[len(spans)-1].EndToken+1)
		}
		end := max(c.windowEnd(costs, start), minEnd)
		snapped := false
		if end < len(units) && c.opts.Boundary != BoundaryNone {
			if b, ok := c.snap(units, minEnd, end); ok {
				end, snapped = b, true
			}
		}

		if len(spans) > 0 && end == len(units) {
			prev := &spans[len(spans)-1]
			if remainder := sum(costs, prev.EndToken, end); prev.EndToken < end && remainder < c.opts.MinChunkTokens {
				*prev = c.span(text, units, costs, prev.Index, prev.StartToken, end)
				break
			}
		}

		spans = append(spans, c.span(text, units, costs, len(spans), start, end))
		if end == len(units) {
			break
		}

		next := end
		if !snapped {
			next = c.overlapStart(costs, start, end)
		}
		start = next
	}
	return spans
}

// ChunkContent splits a content unit into model chunks with fresh IDs.
// Image and audio units chunk their derived text the same way as text.
func (c *Chunker) ChunkContent(unit *model.ContentUnit) []*model.Chunk {
	spans := c.Split(unit.Text)
	now := c.now()
	chunks := make([]*model.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = &model.Chunk{
			ID:            uuid.NewString(),
			DocumentID:    unit.DocumentID,
			ContentUnitID: unit.ID,
			Index:         s.Index,
			StartOffset:   s.StartOffset,
			EndOffset:     s.EndOffset,
			StartToken:    s.StartToken,
			EndToken:      s.EndToken,
			Text:          s.Text,
			ContentType:   unit.Type,
			Metadata: map[string]string{
				"document_id":  unit.DocumentID,
				"content_type": string(unit.Type),
			},
			CreatedAt: now,
		}
	}
	return chunks
}

// Count estimates the token count of text with the configured estimator.
func (c *Chunker) Count(text string) int {
	return c.opts.Estimator.Estimate(text)
}

// windowEnd returns the exclusive end of the largest window starting at
// start whose cost fits MaxTokens. A window always holds at least one unit.
func (c *Chunker) windowEnd(costs []int, start int) int {
	total := 0
	end := start
	for end < len(costs) {
		if total+costs[end] > c.opts.MaxTokens && end > start {
			break
		}
		total += costs[end]
		end++
	}
	return end
}

// snap moves end back to the closest boundary within tolerance, never below minEnd.
func (c *Chunker) snap(units []unit, minEnd, end int) (int, bool) {
	floor := max(minEnd, end-c.opts.Tolerance)
	for e := end; e >= floor; e-- {
		u := units[e-1]
		if u.paragraphEnd || (c.opts.Boundary == BoundarySentence && u.sentenceEnd) {
			return e, true
		}
	}
	return 0, false
}

// overlapStart walks back from end while the tail fits OverlapTokens.
func (c *Chunker) overlapStart(costs []int, start, end int) int {
	next := end
	total := 0
	for next > start+1 && total+costs[next-1] <= c.opts.OverlapTokens {
		total += costs[next-1]
		next--
	}
	return next
}

func (c *Chunker) span(text string, units []unit, costs []int, index, start, end int) Span {
	from, to := units[start].start, units[end-1].end
	return Span{
		Index:       index,
		StartOffset: from,
		EndOffset:   to,
		StartToken:  start,
		EndToken:    end,
		Tokens:      sum(costs, start, end),
		Text:        text[from:to],
	}
}

func sum(costs []int, from, to int) int {
	total := 0
	for i := from; i < to; i++ {
		total += costs[i]
	}
	return total
}

type unit struct {
	start, end   int
	sentenceEnd  bool
	paragraphEnd bool
}

// tokenize splits text into whitespace-delimited units and marks the ones
// that end a sentence or a paragraph.
func tokenize(text string) []unit {
	var units []unit
	inWord := false
	wordStart := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				units = append(units, unit{start: wordStart, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			wordStart = i
			inWord = true
		}
	}
	if inWord {
		units = append(units, unit{start: wordStart, end: len(text)})
	}

	for i := range units {
		units[i].sentenceEnd = endsSentence(text[units[i].start:units[i].end])
		gapEnd := len(text)
		if i+1 < len(units) {
			gapEnd = units[i+1].start
		}
		units[i].paragraphEnd = i == len(units)-1 || strings.Count(text[units[i].end:gapEnd], "\n") >= 2
		if units[i].paragraphEnd {
			units[i].sentenceEnd = true
		}
	}
	return units
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]}»”’`)
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(word, "…")
}

func normalizeNewlines(text string) string {
	return strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(text)
}
