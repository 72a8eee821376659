// Package marshal maps typed domain entities onto the sync engine's flat
// string-keyed record space. Every Marshal/Unmarshal pair round-trips exactly,
// keys are deterministic functions of entity identity, and timestamps use a
// fixed-width UTC layout so lexicographic key order matches time order.
package marshal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"skill-sync/internal/domain"
)

// ErrSchemaValidation wraps every malformed-record failure at the
// marshal/unmarshal boundary.
var ErrSchemaValidation = errors.New("schema validation failed")

// Record is one entity serialized into the flat key/value space. An entity may
// occupy several keys: its primary row plus secondary index rows.
type Record map[string]string

// Key prefixes for primary rows.
const (
	KeyPrefixSkillState  = "s/"
	KeyPrefixSkillReview = "sr/"
)

// IndexName identifies a logical secondary index, materialized as an alternate
// key prefix over the same rows.
type IndexName string

// SkillStateByDue orders skill states by ascending due timestamp.
const SkillStateByDue IndexName = "i/d/"

// TimeLayout is the canonical timestamp encoding for keys and values.
// Fixed-width millisecond UTC: lexicographic order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime encodes a timestamp in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a canonical timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrSchemaValidation, s)
	}
	return t, nil
}

// Clamp truncates a timestamp to the precision the canonical layout can carry.
// Entities should be clamped before marshalling so round-trips are exact.
func Clamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// SkillStateKey returns the primary key for a skill's state row.
func SkillStateKey(sk domain.Skill) string {
	return KeyPrefixSkillState + sk.ID()
}

// SkillReviewKey returns the primary key for one review log entry.
func SkillReviewKey(sk domain.Skill, ts time.Time) string {
	return KeyPrefixSkillReview + sk.ID() + "/" + FormatTime(ts)
}

// SkillStateDueIndexKey returns the due-index key for a skill state.
func SkillStateDueIndexKey(st domain.SkillState) string {
	return string(SkillStateByDue) + FormatTime(st.Due) + "/" + st.Skill.ID()
}

type srsStateJSON struct {
	Type         domain.SrsKind `json:"type"`
	Stability    *float64       `json:"stability,omitempty"`
	Difficulty   *float64       `json:"difficulty,omitempty"`
	PrevReviewAt string         `json:"prevReviewAt,omitempty"`
	NextReviewAt string         `json:"nextReviewAt,omitempty"`
}

type skillStateJSON struct {
	Created string       `json:"created"`
	Due     string       `json:"due"`
	Srs     srsStateJSON `json:"srs"`
}

type skillReviewJSON struct {
	Rating     string `json:"rating"`
	DurationMs int64  `json:"durationMs"`
}

func encodeSrs(s domain.SrsState) (srsStateJSON, error) {
	switch s.Kind {
	case domain.SrsNull:
		if s.Fsrs != nil {
			return srsStateJSON{}, fmt.Errorf("%w: null srs state carries fsrs fields", ErrSchemaValidation)
		}
		return srsStateJSON{Type: domain.SrsNull}, nil
	case domain.SrsFsrs:
		if s.Fsrs == nil {
			return srsStateJSON{}, fmt.Errorf("%w: fsrs srs state missing fields", ErrSchemaValidation)
		}
		st, diff := s.Fsrs.Stability, s.Fsrs.Difficulty
		return srsStateJSON{
			Type:         domain.SrsFsrs,
			Stability:    &st,
			Difficulty:   &diff,
			PrevReviewAt: FormatTime(s.Fsrs.PrevReviewAt),
			NextReviewAt: FormatTime(s.Fsrs.NextReviewAt),
		}, nil
	}
	return srsStateJSON{}, fmt.Errorf("%w: unknown srs kind %q", ErrSchemaValidation, s.Kind)
}

func decodeSrs(j srsStateJSON) (domain.SrsState, error) {
	switch j.Type {
	case domain.SrsNull:
		if j.Stability != nil || j.Difficulty != nil || j.PrevReviewAt != "" || j.NextReviewAt != "" {
			return domain.SrsState{}, fmt.Errorf("%w: null srs state carries algorithm fields", ErrSchemaValidation)
		}
		return domain.NullSrsState(), nil
	case domain.SrsFsrs:
		if j.Stability == nil || j.Difficulty == nil || j.PrevReviewAt == "" || j.NextReviewAt == "" {
			return domain.SrsState{}, fmt.Errorf("%w: fsrs srs state missing algorithm fields", ErrSchemaValidation)
		}
		prev, err := ParseTime(j.PrevReviewAt)
		if err != nil {
			return domain.SrsState{}, err
		}
		next, err := ParseTime(j.NextReviewAt)
		if err != nil {
			return domain.SrsState{}, err
		}
		return domain.SrsState{
			Kind: domain.SrsFsrs,
			Fsrs: &domain.FsrsState{
				Stability:    *j.Stability,
				Difficulty:   *j.Difficulty,
				PrevReviewAt: prev,
				NextReviewAt: next,
			},
		}, nil
	}
	return domain.SrsState{}, fmt.Errorf("%w: unknown srs kind %q", ErrSchemaValidation, j.Type)
}

// MarshalSkillState serializes a skill state to its primary row plus its
// due-index row. The index row's value is the JSON-encoded primary key.
func MarshalSkillState(st domain.SkillState) (Record, error) {
	srs, err := encodeSrs(st.Srs)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(skillStateJSON{
		Created: FormatTime(st.Created),
		Due:     FormatTime(st.Due),
		Srs:     srs,
	})
	if err != nil {
		return nil, err
	}
	primary := SkillStateKey(st.Skill)
	ref, _ := json.Marshal(primary)
	return Record{
		primary:                   string(body),
		SkillStateDueIndexKey(st): string(ref),
	}, nil
}

// UnmarshalSkillState decodes a primary skill-state row.
func UnmarshalSkillState(key, value string) (domain.SkillState, error) {
	id, ok := strings.CutPrefix(key, KeyPrefixSkillState)
	if !ok {
		return domain.SkillState{}, fmt.Errorf("%w: not a skill state key %q", ErrSchemaValidation, key)
	}
	sk, err := domain.ParseSkillID(id)
	if err != nil {
		return domain.SkillState{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	var j skillStateJSON
	if err := json.Unmarshal([]byte(value), &j); err != nil {
		return domain.SkillState{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	created, err := ParseTime(j.Created)
	if err != nil {
		return domain.SkillState{}, err
	}
	due, err := ParseTime(j.Due)
	if err != nil {
		return domain.SkillState{}, err
	}
	srs, err := decodeSrs(j.Srs)
	if err != nil {
		return domain.SkillState{}, err
	}
	return domain.SkillState{Skill: sk, Created: created, Due: due, Srs: srs}, nil
}

// MarshalSkillReview serializes one review log entry.
func MarshalSkillReview(r domain.SkillReview) (Record, error) {
	if _, err := domain.ParseRating(string(r.Rating)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	body, err := json.Marshal(skillReviewJSON{
		Rating:     string(r.Rating),
		DurationMs: r.DurationMs,
	})
	if err != nil {
		return nil, err
	}
	return Record{SkillReviewKey(r.Skill, r.Timestamp): string(body)}, nil
}

// UnmarshalSkillReview decodes one review log row. The skill and timestamp
// halves of the identity live in the key.
func UnmarshalSkillReview(key, value string) (domain.SkillReview, error) {
	rest, ok := strings.CutPrefix(key, KeyPrefixSkillReview)
	if !ok {
		return domain.SkillReview{}, fmt.Errorf("%w: not a skill review key %q", ErrSchemaValidation, key)
	}
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		return domain.SkillReview{}, fmt.Errorf("%w: malformed review key %q", ErrSchemaValidation, key)
	}
	sk, err := domain.ParseSkillID(rest[:idx])
	if err != nil {
		return domain.SkillReview{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	ts, err := ParseTime(rest[idx+1:])
	if err != nil {
		return domain.SkillReview{}, err
	}
	var j skillReviewJSON
	if err := json.Unmarshal([]byte(value), &j); err != nil {
		return domain.SkillReview{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	rating, err := domain.ParseRating(j.Rating)
	if err != nil {
		return domain.SkillReview{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return domain.SkillReview{Skill: sk, Timestamp: ts, Rating: rating, DurationMs: j.DurationMs}, nil
}

// IndexRef decodes a secondary-index row value back to its primary key.
func IndexRef(value string) (string, error) {
	var key string
	if err := json.Unmarshal([]byte(value), &key); err != nil {
		return "", fmt.Errorf("%w: bad index ref %q", ErrSchemaValidation, value)
	}
	return key, nil
}
