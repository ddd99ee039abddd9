package signal

import (
	"strings"

	"github.com/osa-ai/osa/pkg/models"
)

// DefaultNoiseThreshold is the weight below which low-content messages
// are dropped.
const DefaultNoiseThreshold = 0.2

// shortMessageWords is the word count at or below which an EXPRESS or
// INFORM message counts as "short" for noise purposes.
const shortMessageWords = 6

// NoiseFilter decides whether a classified message is dispatched to
// the agent loop or dropped.
type NoiseFilter struct {
	Threshold float64
}

// NewNoiseFilter creates a filter; threshold <= 0 selects the default.
func NewNoiseFilter(threshold float64) *NoiseFilter {
	if threshold <= 0 {
		threshold = DefaultNoiseThreshold
	}
	return &NoiseFilter{Threshold: threshold}
}

// ShouldDrop reports whether the message is noise. A message is
// dropped iff its weight is below the threshold AND it is a short
// EXPRESS or INFORM message AND it is not a command. Dropping is
// deterministic for identical signals.
func (f *NoiseFilter) ShouldDrop(sig models.Signal, message string) bool {
	if sig.Format == models.FormatCommand {
		return false
	}
	if sig.Weight >= f.Threshold {
		return false
	}
	if sig.Genre != models.GenreExpress && sig.Genre != models.GenreInform {
		return false
	}
	return len(strings.Fields(message)) <= shortMessageWords
}
