package domain

import (
	"fmt"
	"strings"
	"time"
)

// SkillType tags which association a skill tests for a word.
type SkillType string

const (
	SkillHanziToEnglish SkillType = "he"
	SkillHanziToPinyin  SkillType = "hp"
	SkillEnglishToHanzi SkillType = "eh"
)

func (t SkillType) valid() bool {
	switch t {
	case SkillHanziToEnglish, SkillHanziToPinyin, SkillEnglishToHanzi:
		return true
	}
	return false
}

// Skill identifies one learnable unit: a word plus the association being
// tested. Immutable once created.
type Skill struct {
	Type SkillType
	Word string
}

// ID returns the canonical textual form, e.g. "he:火".
func (s Skill) ID() string {
	return string(s.Type) + ":" + s.Word
}

// ParseSkillID parses the canonical "type:word" form produced by ID. Words may
// not contain "/", which is reserved as the storage key separator.
func ParseSkillID(id string) (Skill, error) {
	typ, word, ok := strings.Cut(id, ":")
	if !ok || word == "" || strings.Contains(word, "/") {
		return Skill{}, fmt.Errorf("invalid skill id %q", id)
	}
	t := SkillType(typ)
	if !t.valid() {
		return Skill{}, fmt.Errorf("invalid skill type %q", typ)
	}
	return Skill{Type: t, Word: word}, nil
}

// Rating is the user's response to a skill review.
type Rating string

const (
	RatingAgain Rating = "Again"
	RatingHard  Rating = "Hard"
	RatingGood  Rating = "Good"
	RatingEasy  Rating = "Easy"
)

// ParseRating validates a wire rating value.
func ParseRating(s string) (Rating, error) {
	r := Rating(s)
	switch r {
	case RatingAgain, RatingHard, RatingGood, RatingEasy:
		return r, nil
	}
	return "", fmt.Errorf("invalid rating %q", s)
}

// SkillState is the mutable per-user record for one skill. Created on first
// review (or explicit init), mutated on every subsequent review, never deleted.
type SkillState struct {
	Skill   Skill
	Created time.Time
	Due     time.Time
	Srs     SrsState
}

// SkillReview is one append-only log entry. The timestamp is part of the
// identity; a review is never rewritten after the fact.
type SkillReview struct {
	Skill      Skill
	Timestamp  time.Time
	Rating     Rating
	DurationMs int64
}
