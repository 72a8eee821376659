package srs

import (
	"math"
	"time"

	"skill-sync/internal/domain"
)

// Params holds the tunable parameters for the FSRS scheduler.
type Params struct {
	A                float64 // scales the overall memory increase
	B                float64 // difficulty exponent
	C                float64 // stability exponent
	D                float64 // retention effect scaler
	DesiredRetention float64 // e.g. 0.9 for 90%
}

// DefaultParams returns the stock parameter set.
func DefaultParams() Params {
	return Params{
		A:                0.2,
		B:                0.5,
		C:                0.1,
		D:                4.0,
		DesiredRetention: 0.9,
	}
}

// Seed stabilities for the first successful review of a skill, in days.
var initialStability = map[domain.Rating]float64{
	domain.RatingHard: 1,
	domain.RatingGood: 3,
	domain.RatingEasy: 7,
}

const (
	againRelearnDelay = 10 * time.Minute
	maxDifficulty     = 10
	minDifficulty     = 1
)

// Review folds one rating into the skill's scheduling state. The returned
// state is always the FSRS variant; prev may be the Null variant for a skill
// reviewed for the first time. now must be UTC.
func (p Params) Review(prev domain.SrsState, rating domain.Rating, now time.Time) domain.SrsState {
	var stability, difficulty float64
	if prev.Kind == domain.SrsFsrs {
		stability = prev.Fsrs.Stability
		difficulty = prev.Fsrs.Difficulty
	} else {
		stability = 0
		difficulty = 5
	}

	var next time.Time
	switch rating {
	case domain.RatingAgain:
		// Forgotten: stability collapses, difficulty climbs, and the skill
		// comes back within the same session.
		stability = 1
		difficulty = math.Min(maxDifficulty, difficulty+0.5)
		next = now.Add(againRelearnDelay)
	default:
		if stability < 1 {
			stability = initialStability[rating]
		} else {
			stability = p.nextStability(stability, difficulty)
		}
		switch rating {
		case domain.RatingHard:
			difficulty = math.Min(maxDifficulty, difficulty+0.1)
		case domain.RatingEasy:
			difficulty = math.Max(minDifficulty, difficulty-0.1)
			stability *= 1.3
		}
		next = now.Add(intervalFor(stability))
	}

	return domain.SrsState{
		Kind: domain.SrsFsrs,
		Fsrs: &domain.FsrsState{
			Stability:    stability,
			Difficulty:   difficulty,
			PrevReviewAt: now,
			NextReviewAt: next,
		},
	}
}

// nextStability applies the core FSRS growth formula for a successful review:
// S' = S * (1 + a * D^(-b) * S^c * (e^(d * (1-R)) - 1))
func (p Params) nextStability(stability, difficulty float64) float64 {
	if stability < 1 {
		stability = 1
	}
	if difficulty < 1 {
		difficulty = 1
	}
	factor := p.A * math.Pow(difficulty, -p.B) * math.Pow(stability, p.C)
	multiplier := math.Exp(p.D*(1-p.DesiredRetention)) - 1
	return stability * (1 + factor*multiplier)
}

// intervalFor converts a stability (in days) into the wait until next review.
func intervalFor(stability float64) time.Duration {
	days := math.Round(stability)
	if days < 1 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}
