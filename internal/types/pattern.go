package types

import "fmt"

// PatternType classifies reusable procedural knowledge (spec §3).
type PatternType string

const (
	PatternCode         PatternType = "code"
	PatternArchitecture PatternType = "architecture"
	PatternRefactor     PatternType = "refactor"
	PatternOptimization PatternType = "optimization"
	PatternErrorRecover PatternType = "error_recovery"
)

func (t PatternType) Valid() bool {
	switch t {
	case PatternCode, PatternArchitecture, PatternRefactor, PatternOptimization, PatternErrorRecover:
		return true
	default:
		return false
	}
}

// Pattern is reusable procedural knowledge extracted or refined by the
// consolidator (spec §3).
type Pattern struct {
	Meta

	Type        PatternType
	Name        string
	Description string

	Preconditions  []string
	Postconditions []string

	// ExampleEpisodeIDs are weak references: destroying an example
	// episode must never cascade-delete the pattern (spec §3 ownership).
	ExampleEpisodeIDs []ID

	SuccessCount int64
	FailureCount int64

	// Replaces records the tombstone link left by merge (spec §4.4): the
	// ids of the patterns this one superseded, retained for audit.
	Replaces []ID

	Embedding Embedding
}

// Validate enforces the non-negativity invariant from spec §3.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: invalid pattern type %q", ErrInvalid, p.Type)
	}
	if p.SuccessCount < 0 || p.FailureCount < 0 {
		return fmt.Errorf("%w: success/failure counts must be non-negative", ErrInvalid)
	}
	return nil
}

// SuccessRate returns the Laplace-smoothed success ratio from spec §4.4:
// (success + α) / (success + failure + 2α), α = 1.
func (p *Pattern) SuccessRate() float64 {
	const alpha = 1.0
	return (float64(p.SuccessCount) + alpha) / (float64(p.SuccessCount) + float64(p.FailureCount) + 2*alpha)
}

// RecordApplication increments success or failure counters, preserving the
// monotone-non-decreasing invariant from spec §8.
func (p *Pattern) RecordApplication(success bool) {
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
}
