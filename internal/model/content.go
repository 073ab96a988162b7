package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ContentType tags the kind of payload a ContentUnit carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
)

// ErrInvalidContent is returned when a content unit's payload does not match its type.
var ErrInvalidContent = errors.New("invalid content unit")

// ParseContentType converts a string to a ContentType.
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(s) {
	case ContentText, ContentImage, ContentAudio:
		return ContentType(s), nil
	case "":
		return ContentText, nil
	}
	return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, s)
}

// ImageMeta describes the image an image content unit's text was derived from.
type ImageMeta struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Source string `json:"source,omitempty"`
}

// AudioMeta describes the recording a transcript was derived from.
type AudioMeta struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Language        string  `json:"language,omitempty"`
}

// ContentUnit is one typed payload of a Document. For image and audio units
// Text holds the derived description or transcript.
type ContentUnit struct {
	ID         string
	DocumentID string
	Type       ContentType
	Text       string
	// Model is the embedding model that produced this unit's vectors.
	Model       string
	ContentHash string
	Image       *ImageMeta
	Audio       *AudioMeta
	CreatedAt   time.Time
}

// Validate checks that the type-specific payload matches Type.
func (u *ContentUnit) Validate() error {
	if u.ID == "" || u.DocumentID == "" {
		return fmt.Errorf("%w: id and document id required", ErrInvalidContent)
	}
	switch u.Type {
	case ContentText:
		if u.Image != nil || u.Audio != nil {
			return fmt.Errorf("%w: text unit %s carries media metadata", ErrInvalidContent, u.ID)
		}
	case ContentImage:
		if u.Audio != nil {
			return fmt.Errorf("%w: image unit %s carries audio metadata", ErrInvalidContent, u.ID)
		}
	case ContentAudio:
		if u.Image != nil {
			return fmt.Errorf("%w: audio unit %s carries image metadata", ErrInvalidContent, u.ID)
		}
	default:
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, u.Type)
	}
	return nil
}

// HashText returns the hex sha256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
