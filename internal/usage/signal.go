package usage

import (
	"errors"
	"fmt"
)

// ErrInvalidSignal is returned for unknown feedback kinds or negative weights.
var ErrInvalidSignal = errors.New("invalid feedback signal")

// SignalKind names an explicit user feedback action.
type SignalKind string

const (
	SignalClick    SignalKind = "click"
	SignalUpvote   SignalKind = "upvote"
	SignalDownvote SignalKind = "downvote"
)

// Signal is feedback on one chunk. Weight is how many usage increments a
// positive signal contributes; zero selects the kind's default.
type Signal struct {
	Kind   SignalKind
	Weight int64
}

// increments returns the usage increments this signal adds. Downvotes are
// recorded but never lower usage.
func (s Signal) increments() (int64, error) {
	if s.Weight < 0 {
		return 0, fmt.Errorf("%w: negative weight %d", ErrInvalidSignal, s.Weight)
	}
	switch s.Kind {
	case SignalClick, SignalUpvote:
		if s.Weight == 0 {
			return 1, nil
		}
		return s.Weight, nil
	case SignalDownvote:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
}

// ParseSignal parses a kind name.
func ParseSignal(s string) (SignalKind, error) {
	k := SignalKind(s)
	if _, err := (Signal{Kind: k}).increments(); err != nil {
		return "", err
	}
	return k, nil
}
