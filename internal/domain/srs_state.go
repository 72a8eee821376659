package domain

import "time"

// SrsKind discriminates the scheduling-state variant embedded in a SkillState.
type SrsKind string

const (
	// SrsNull means the skill has been seen but never scheduled.
	SrsNull SrsKind = "null"
	// SrsFsrs means the skill is being scheduled by the FSRS algorithm.
	SrsFsrs SrsKind = "fsrs"
)

// SrsState is a tagged union: Fsrs is non-nil exactly when Kind is SrsFsrs.
type SrsState struct {
	Kind SrsKind
	Fsrs *FsrsState
}

// NullSrsState returns the not-yet-scheduled variant.
func NullSrsState() SrsState {
	return SrsState{Kind: SrsNull}
}

// FsrsState carries the FSRS memory model for one skill.
type FsrsState struct {
	Stability    float64
	Difficulty   float64
	PrevReviewAt time.Time
	NextReviewAt time.Time
}
