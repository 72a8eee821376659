package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skill-sync/internal/domain"
	"skill-sync/internal/logging"
	"skill-sync/internal/marshal"
	"skill-sync/internal/models"
	"skill-sync/internal/repos"
	"skill-sync/internal/srs"
)

// ErrUnknownMutator means the client pushed a mutation name this server build
// does not know. Fatal for the batch: it signals client/server version skew.
var ErrUnknownMutator = errors.New("unknown mutator")

// MutationOutOfOrderError reports a gap in a client's mutation id sequence.
// The server does not buffer speculative future mutations; the client must
// resync.
type MutationOutOfOrderError struct {
	ClientID string
	Expected int64
	Got      int64
}

func (e *MutationOutOfOrderError) Error() string {
	return fmt.Sprintf("mutation out of order for client %s: expected %d, got %d", e.ClientID, e.Expected, e.Got)
}

// SyncService implements the pull/push replication protocol over the store.
type SyncService struct {
	store *repos.Store
	sched srs.Params
	log   *logging.Logger
	now   func() time.Time
}

func NewSyncService(store *repos.Store, log *logging.Logger) *SyncService {
	return &SyncService{
		store: store,
		sched: srs.DefaultParams(),
		log:   log,
		now:   func() time.Time { return marshal.Clamp(time.Now()) },
	}
}

// Pull computes the diff between the replica's last-known view and the
// current state. The diff, the new CVR, and the version bump all commit in
// one transaction so the returned cookie is always consistent with the patch.
func (s *SyncService) Pull(ctx context.Context, userID string, req models.PullRequest) (*models.PullResponse, error) {
	var resp *models.PullResponse
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		group, err := s.store.GetOrCreateClientGroupTx(tx, userID, req.ClientGroupID)
		if err != nil {
			return err
		}

		baseline := map[string]int64{}
		cookieCurrent := false
		if req.Cookie != nil && req.Cookie.CvrID != "" {
			prev, err := s.store.GetCVRTx(tx, req.Cookie.CvrID)
			switch {
			case errors.Is(err, repos.ErrNotFound):
				// Stale cookie: fall through with an empty baseline so the
				// client gets a full resync patch instead of an error.
				s.log.Warn("stale pull cookie, full resync",
					"client_group_id", group.ID, "cvr_id", req.Cookie.CvrID)
			case err != nil:
				return err
			case prev.ClientGroupID != group.ID:
				s.log.Warn("pull cookie from foreign client group, full resync",
					"client_group_id", group.ID, "cvr_id", req.Cookie.CvrID)
			default:
				baseline = prev.Entries
				cookieCurrent = req.Cookie.Order == group.CvrVersion
			}
		}

		entries, err := s.store.ScanAllTx(tx, userID)
		if err != nil {
			return err
		}
		puts, dels := diff(baseline, entries)

		clients, err := s.store.ListClientsTx(tx, group.ID)
		if err != nil {
			return err
		}
		lastMutationIDs := make(map[string]int64, len(clients))
		for _, c := range clients {
			lastMutationIDs[c.ID] = c.LastMutationID
		}

		// Steady state: nothing changed since the cookie was minted. Return
		// the same cookie and write nothing.
		if cookieCurrent && len(puts) == 0 && len(dels) == 0 {
			resp = &models.PullResponse{
				LastMutationIDs: lastMutationIDs,
				Patch:           []models.PatchOp{},
				Cookie:          *req.Cookie,
			}
			return nil
		}

		snapshot := make(map[string]int64, len(entries))
		for _, e := range entries {
			snapshot[e.Key] = e.Version
		}
		cvr := &models.CVR{
			ID:            uuid.NewString(),
			ClientGroupID: group.ID,
			Entries:       snapshot,
			CreatedAt:     s.now(),
		}
		if err := s.store.PutCVRTx(tx, cvr); err != nil {
			return err
		}
		newVersion := group.CvrVersion + 1
		if err := s.store.SetClientGroupVersionTx(tx, group.ID, newVersion); err != nil {
			return err
		}

		patch := make([]models.PatchOp, 0, len(dels)+len(puts))
		for _, key := range dels {
			patch = append(patch, models.PatchOp{Op: models.OpDel, Key: key})
		}
		for _, e := range puts {
			patch = append(patch, models.PatchOp{Op: models.OpPut, Key: e.Key, Value: json.RawMessage(e.Value)})
		}
		resp = &models.PullResponse{
			LastMutationIDs: lastMutationIDs,
			Patch:           patch,
			Cookie:          models.Cookie{Order: newVersion, CvrID: cvr.ID},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// diff returns rows not yet seen by the baseline (as puts, in scan order) and
// baseline keys that no longer exist (as dels).
func diff(baseline map[string]int64, current []models.Entry) (puts []models.Entry, dels []string) {
	seen := make(map[string]struct{}, len(current))
	for _, e := range current {
		seen[e.Key] = struct{}{}
		if v, ok := baseline[e.Key]; !ok || v != e.Version {
			puts = append(puts, e)
		}
	}
	for key := range baseline {
		if _, ok := seen[key]; !ok {
			dels = append(dels, key)
		}
	}
	return puts, dels
}

// Push applies a batch of client mutations in array order. Each mutation is
// atomic: its domain effect and the client's last_mutation_id advance commit
// together. Replayed mutations are skipped, never errors, so the client's
// at-least-once outbound queue is safe to drain repeatedly.
func (s *SyncService) Push(ctx context.Context, userID string, req models.PushRequest) error {
	for _, m := range req.Mutations {
		m := m
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			group, err := s.store.GetOrCreateClientGroupTx(tx, userID, req.ClientGroupID)
			if err != nil {
				return err
			}
			client, err := s.store.GetOrCreateClientTx(tx, m.ClientID, group.ID)
			if err != nil {
				return err
			}
			if m.ID <= client.LastMutationID {
				s.log.Debug("skipping replayed mutation",
					"client_id", m.ClientID, "mutation_id", m.ID, "last_mutation_id", client.LastMutationID)
				return nil
			}
			if m.ID > client.LastMutationID+1 {
				return &MutationOutOfOrderError{
					ClientID: m.ClientID,
					Expected: client.LastMutationID + 1,
					Got:      m.ID,
				}
			}
			if err := s.applyMutation(tx, userID, m); err != nil {
				return err
			}
			if err := s.store.SetLastMutationIDTx(tx, m.ClientID, m.ID); err != nil {
				return err
			}
			// Push never advances cvr_version itself; the changed row
			// versions surface in the next pull's diff. The touch makes the
			// pending invalidation visible in storage.
			return s.store.TouchClientGroupTx(tx, group.ID)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncService) applyMutation(tx *sql.Tx, userID string, m models.Mutation) error {
	switch m.Name {
	case "addSkillReview", "addReview": // addReview: pre-1.3 client builds
		return s.addSkillReview(tx, userID, m.Args)
	case "initSkillState":
		return s.initSkillState(tx, userID, m.Args)
	}
	return fmt.Errorf("%w: %q", ErrUnknownMutator, m.Name)
}

type addSkillReviewArgs struct {
	Skill      string `json:"skill"`
	Rating     string `json:"rating"`
	DurationMs int64  `json:"durationMs"`
	ReviewedAt string `json:"reviewedAt"`
}

// addSkillReview appends one review log row and folds the rating through the
// scheduler into the skill's state, creating the state on first review.
func (s *SyncService) addSkillReview(tx *sql.Tx, userID string, args json.RawMessage) error {
	var a addSkillReviewArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("%w: addSkillReview args: %v", marshal.ErrSchemaValidation, err)
	}
	skill, err := domain.ParseSkillID(a.Skill)
	if err != nil {
		return fmt.Errorf("%w: %v", marshal.ErrSchemaValidation, err)
	}
	rating, err := domain.ParseRating(a.Rating)
	if err != nil {
		return fmt.Errorf("%w: %v", marshal.ErrSchemaValidation, err)
	}
	reviewedAt := s.now()
	if a.ReviewedAt != "" {
		if reviewedAt, err = marshal.ParseTime(a.ReviewedAt); err != nil {
			return err
		}
	}

	prev, err := s.loadSkillState(tx, userID, skill)
	if err != nil {
		return err
	}

	review := domain.SkillReview{Skill: skill, Timestamp: reviewedAt, Rating: rating, DurationMs: a.DurationMs}
	rec, err := marshal.MarshalSkillReview(review)
	if err != nil {
		return err
	}
	if err := s.putRecord(tx, userID, rec); err != nil {
		return err
	}

	prevSrs := domain.NullSrsState()
	created := reviewedAt
	if prev != nil {
		prevSrs = prev.Srs
		created = prev.Created
	}
	next := s.sched.Review(prevSrs, rating, reviewedAt)
	state := domain.SkillState{
		Skill:   skill,
		Created: created,
		Due:     marshal.Clamp(next.Fsrs.NextReviewAt),
		Srs:     next,
	}
	return s.writeSkillState(tx, userID, prev, state)
}

type initSkillStateArgs struct {
	Skill string `json:"skill"`
}

// initSkillState creates an unscheduled state for a skill the client is about
// to introduce. Idempotent: an existing state is left untouched.
func (s *SyncService) initSkillState(tx *sql.Tx, userID string, args json.RawMessage) error {
	var a initSkillStateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("%w: initSkillState args: %v", marshal.ErrSchemaValidation, err)
	}
	skill, err := domain.ParseSkillID(a.Skill)
	if err != nil {
		return fmt.Errorf("%w: %v", marshal.ErrSchemaValidation, err)
	}
	prev, err := s.loadSkillState(tx, userID, skill)
	if err != nil {
		return err
	}
	if prev != nil {
		return nil
	}
	now := s.now()
	state := domain.SkillState{Skill: skill, Created: now, Due: now, Srs: domain.NullSrsState()}
	return s.writeSkillState(tx, userID, nil, state)
}

func (s *SyncService) loadSkillState(tx *sql.Tx, userID string, skill domain.Skill) (*domain.SkillState, error) {
	entry, err := s.store.GetEntryTx(tx, userID, marshal.SkillStateKey(skill))
	if errors.Is(err, repos.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state, err := marshal.UnmarshalSkillState(entry.Key, entry.Value)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// writeSkillState persists the new state and keeps the due index in step:
// when the due date moves, the old index row is removed in the same
// transaction the new one is written.
func (s *SyncService) writeSkillState(tx *sql.Tx, userID string, prev *domain.SkillState, state domain.SkillState) error {
	rec, err := marshal.MarshalSkillState(state)
	if err != nil {
		return err
	}
	if prev != nil {
		oldIdx := marshal.SkillStateDueIndexKey(*prev)
		if _, stillUsed := rec[oldIdx]; !stillUsed {
			if err := s.store.DeleteEntryTx(tx, userID, oldIdx); err != nil {
				return err
			}
		}
	}
	return s.putRecord(tx, userID, rec)
}

func (s *SyncService) putRecord(tx *sql.Tx, userID string, rec marshal.Record) error {
	for key, value := range rec {
		if err := s.store.PutEntryTx(tx, userID, key, value); err != nil {
			return err
		}
	}
	return nil
}

// DueSkillStates scans the SkillStateByDue index: earliest due first, at most
// limit entries.
func (s *SyncService) DueSkillStates(ctx context.Context, userID string, limit int) ([]domain.SkillState, error) {
	var out []domain.SkillState
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		idx, err := s.store.ScanPrefixTx(tx, userID, string(marshal.SkillStateByDue), limit)
		if err != nil {
			return err
		}
		for _, e := range idx {
			ref, err := marshal.IndexRef(e.Value)
			if err != nil {
				return err
			}
			primary, err := s.store.GetEntryTx(tx, userID, ref)
			if errors.Is(err, repos.ErrNotFound) {
				s.log.Warn("dangling due-index entry", "index_key", e.Key, "ref", ref)
				continue
			}
			if err != nil {
				return err
			}
			state, err := marshal.UnmarshalSkillState(primary.Key, primary.Value)
			if err != nil {
				return err
			}
			out = append(out, state)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SkillReviews returns the newest reviews for one skill, newest first, at
// most limit entries.
func (s *SyncService) SkillReviews(ctx context.Context, userID string, skill domain.Skill, limit int) ([]domain.SkillReview, error) {
	var out []domain.SkillReview
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		prefix := marshal.KeyPrefixSkillReview + skill.ID() + "/"
		entries, err := s.store.ScanPrefixDescTx(tx, userID, prefix, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			review, err := marshal.UnmarshalSkillReview(e.Key, e.Value)
			if err != nil {
				return err
			}
			out = append(out, review)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
