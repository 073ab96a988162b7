package model

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_Transition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := NewDocument("doc-1", "notes", now)
	assert.Equal(t, StatusPending, doc.Status)

	require.NoError(t, doc.Transition(StatusProcessing, now))
	require.NoError(t, doc.Transition(StatusFailed, now))
	require.NoError(t, doc.Transition(StatusProcessing, now))
	require.NoError(t, doc.Transition(StatusProcessed, now))

	err := doc.Transition(StatusPending, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusProcessed, doc.Status)
}

func TestDocument_FailedChunks(t *testing.T) {
	doc := NewDocument("doc-1", "", time.Now())
	doc.SetFailedChunks("cu-1", []int{4, 1})
	assert.True(t, doc.HasFailures())
	assert.Equal(t, []int{1, 4}, doc.FailedChunks["cu-1"])

	doc.SetFailedChunks("cu-1", nil)
	assert.False(t, doc.HasFailures())
}

func TestContentUnit_Validate(t *testing.T) {
	tests := []struct {
		name    string
		unit    ContentUnit
		wantErr bool
	}{
		{"text", ContentUnit{ID: "u", DocumentID: "d", Type: ContentText}, false},
		{"image with meta", ContentUnit{ID: "u", DocumentID: "d", Type: ContentImage, Image: &ImageMeta{Width: 10}}, false},
		{"audio with meta", ContentUnit{ID: "u", DocumentID: "d", Type: ContentAudio, Audio: &AudioMeta{Language: "en"}}, false},
		{"text with image meta", ContentUnit{ID: "u", DocumentID: "d", Type: ContentText, Image: &ImageMeta{}}, true},
		{"audio with image meta", ContentUnit{ID: "u", DocumentID: "d", Type: ContentAudio, Image: &ImageMeta{}}, true},
		{"unknown type", ContentUnit{ID: "u", DocumentID: "d", Type: "video"}, true},
		{"missing ids", ContentUnit{Type: ContentText}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseContentType(t *testing.T) {
	ct, err := ParseContentType("")
	require.NoError(t, err)
	assert.Equal(t, ContentText, ct)

	ct, err = ParseContentType("audio")
	require.NoError(t, err)
	assert.Equal(t, ContentAudio, ct)

	_, err = ParseContentType("pdf")
	assert.Error(t, err)
}

func TestEmbedding_TouchConcurrent(t *testing.T) {
	emb := NewEmbedding("c1", "hash", []float32{1, 0}, time.Now())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			emb.Touch(base.Add(time.Duration(i)*time.Second), 1)
		}(i)
	}
	wg.Wait()

	u := emb.Usage()
	assert.Equal(t, int64(100), u.Count)
	assert.True(t, u.LastUsedAt.Equal(base.Add(99*time.Second)))
}

func TestEmbedding_LastUsedNeverDecreases(t *testing.T) {
	emb := NewEmbedding("c1", "hash", []float32{1}, time.Now())
	later := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	emb.Touch(later, 1)
	emb.Touch(later.Add(-time.Hour), 2)

	u := emb.Usage()
	assert.Equal(t, int64(3), u.Count)
	assert.True(t, u.LastUsedAt.Equal(later))

	emb.Touch(later, 0)
	assert.Equal(t, int64(3), emb.Usage().Count)
}

func TestEmbedding_RestoreUsage(t *testing.T) {
	emb := NewEmbedding("c1", "hash", []float32{1}, time.Now())
	assert.False(t, emb.Usage().Used())

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	emb.RestoreUsage(Usage{Count: 7, LastUsedAt: at})
	u := emb.Usage()
	assert.Equal(t, int64(7), u.Count)
	assert.True(t, u.LastUsedAt.Equal(at))
	assert.True(t, u.Used())
}
