package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"skill-sync/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrOwnership = errors.New("owned by another principal")
	// ErrTxBusy wraps a storage serialization failure that survived all
	// retries. Handlers surface it as a transient (5xx) failure.
	ErrTxBusy = errors.New("storage busy")
)

// Store wraps the sqlite connection. All writes go through WithTx; the
// database transaction is the only mutual-exclusion mechanism, since several
// server processes may share the file.
type Store struct {
	db         *sql.DB
	maxRetries int
}

func NewStore(db *sql.DB, maxRetries int) *Store {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Store{db: db, maxRetries: maxRetries}
}

// WithTx runs fn inside one transaction, retrying the whole function on
// sqlite busy/locked errors up to the configured bound. fn must be safe to
// re-run from scratch; a failed attempt leaves no partial state.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("%w: %v", ErrTxBusy, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// ---- replicated entries ----

func (s *Store) GetEntryTx(tx *sql.Tx, userID, key string) (*models.Entry, error) {
	row := tx.QueryRow(`
		SELECT user_id, k, v, version FROM entries
		WHERE user_id = ? AND k = ? AND deleted = 0
	`, userID, key)
	var e models.Entry
	if err := row.Scan(&e.UserID, &e.Key, &e.Value, &e.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// PutEntryTx writes one row, bumping its version on replace so the next pull
// diff picks the change up. Writing over a tombstone revives the key and keeps
// the version sequence going; a key's version never restarts at 1.
func (s *Store) PutEntryTx(tx *sql.Tx, userID, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO entries (user_id, k, v, version, deleted, updated_at)
		VALUES (?, ?, ?, 1, 0, ?)
		ON CONFLICT(user_id, k) DO UPDATE SET
			v = excluded.v,
			version = entries.version + 1,
			deleted = 0,
			updated_at = excluded.updated_at
	`, userID, key, value, time.Now().UTC())
	return err
}

// DeleteEntryTx tombstones a row instead of removing it. The CVR diff still
// reports deletions as keys present in the old view and absent from the
// current scan, while the tombstone preserves the version history so a later
// recreate compares as changed against every earlier view.
func (s *Store) DeleteEntryTx(tx *sql.Tx, userID, key string) error {
	_, err := tx.Exec(`
		UPDATE entries SET deleted = 1, version = version + 1, updated_at = ?
		WHERE user_id = ? AND k = ?
	`, time.Now().UTC(), userID, key)
	return err
}

// ScanPrefixTx returns rows whose key starts with prefix, in ascending key
// order, at most limit of them.
func (s *Store) ScanPrefixTx(tx *sql.Tx, userID, prefix string, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(`
		SELECT user_id, k, v, version FROM entries
		WHERE user_id = ? AND k >= ? AND k < ? AND deleted = 0
		ORDER BY k ASC
		LIMIT ?
	`, userID, prefix, prefixUpperBound(prefix), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ScanPrefixDescTx is ScanPrefixTx in descending key order, for
// newest-first windows over timestamp-keyed rows.
func (s *Store) ScanPrefixDescTx(tx *sql.Tx, userID, prefix string, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(`
		SELECT user_id, k, v, version FROM entries
		WHERE user_id = ? AND k >= ? AND k < ? AND deleted = 0
		ORDER BY k DESC
		LIMIT ?
	`, userID, prefix, prefixUpperBound(prefix), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ScanAllTx returns every live row of the user's replicated space in ascending
// key order. This is the consistent snapshot the pull diff runs over.
func (s *Store) ScanAllTx(tx *sql.Tx, userID string) ([]models.Entry, error) {
	rows, err := tx.Query(`
		SELECT user_id, k, v, version FROM entries
		WHERE user_id = ? AND deleted = 0
		ORDER BY k ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]models.Entry, error) {
	defer rows.Close()
	var out []models.Entry
	for rows.Next() {
		var e models.Entry
		if err := rows.Scan(&e.UserID, &e.Key, &e.Value, &e.Version); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the smallest string greater than every string with
// the given prefix, for half-open range scans.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}

// ---- client groups ----

func (s *Store) GetOrCreateClientGroupTx(tx *sql.Tx, userID, id string) (*models.ClientGroup, error) {
	row := tx.QueryRow(`
		SELECT id, user_id, cvr_version, updated_at FROM client_groups WHERE id = ?
	`, id)
	var g models.ClientGroup
	err := row.Scan(&g.ID, &g.UserID, &g.CvrVersion, &g.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		if _, err := tx.Exec(`
			INSERT INTO client_groups (id, user_id, cvr_version, updated_at)
			VALUES (?, ?, 0, ?)
		`, id, userID, now); err != nil {
			return nil, err
		}
		return &models.ClientGroup{ID: id, UserID: userID, CvrVersion: 0, UpdatedAt: now}, nil
	case err != nil:
		return nil, err
	}
	if g.UserID != userID {
		return nil, fmt.Errorf("client group %s: %w", id, ErrOwnership)
	}
	return &g, nil
}

func (s *Store) SetClientGroupVersionTx(tx *sql.Tx, id string, version int64) error {
	_, err := tx.Exec(`
		UPDATE client_groups SET cvr_version = ?, updated_at = ? WHERE id = ?
	`, version, time.Now().UTC(), id)
	return err
}

// TouchClientGroupTx marks the group as having pending changes for its next
// pull without advancing cvr_version.
func (s *Store) TouchClientGroupTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE client_groups SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// ---- clients ----

func (s *Store) GetOrCreateClientTx(tx *sql.Tx, id, clientGroupID string) (*models.Client, error) {
	row := tx.QueryRow(`
		SELECT id, client_group_id, last_mutation_id, updated_at FROM clients WHERE id = ?
	`, id)
	var c models.Client
	err := row.Scan(&c.ID, &c.ClientGroupID, &c.LastMutationID, &c.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		if _, err := tx.Exec(`
			INSERT INTO clients (id, client_group_id, last_mutation_id, updated_at)
			VALUES (?, ?, 0, ?)
		`, id, clientGroupID, now); err != nil {
			return nil, err
		}
		return &models.Client{ID: id, ClientGroupID: clientGroupID, LastMutationID: 0, UpdatedAt: now}, nil
	case err != nil:
		return nil, err
	}
	if c.ClientGroupID != clientGroupID {
		return nil, fmt.Errorf("client %s: %w", id, ErrOwnership)
	}
	return &c, nil
}

func (s *Store) SetLastMutationIDTx(tx *sql.Tx, clientID string, lastMutationID int64) error {
	_, err := tx.Exec(`
		UPDATE clients SET last_mutation_id = ?, updated_at = ? WHERE id = ?
	`, lastMutationID, time.Now().UTC(), clientID)
	return err
}

func (s *Store) ListClientsTx(tx *sql.Tx, clientGroupID string) ([]models.Client, error) {
	rows, err := tx.Query(`
		SELECT id, client_group_id, last_mutation_id, updated_at FROM clients
		WHERE client_group_id = ?
		ORDER BY id ASC
	`, clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Client
	for rows.Next() {
		var c models.Client
		if err := rows.Scan(&c.ID, &c.ClientGroupID, &c.LastMutationID, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- client view records ----

func (s *Store) GetCVRTx(tx *sql.Tx, id string) (*models.CVR, error) {
	row := tx.QueryRow(`
		SELECT id, client_group_id, entries, created_at FROM client_view_records WHERE id = ?
	`, id)
	var cvr models.CVR
	var raw string
	if err := row.Scan(&cvr.ID, &cvr.ClientGroupID, &raw, &cvr.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &cvr.Entries); err != nil {
		return nil, fmt.Errorf("decode cvr %s: %w", id, err)
	}
	return &cvr, nil
}

func (s *Store) PutCVRTx(tx *sql.Tx, cvr *models.CVR) error {
	raw, err := json.Marshal(cvr.Entries)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO client_view_records (id, client_group_id, entries, created_at)
		VALUES (?, ?, ?, ?)
	`, cvr.ID, cvr.ClientGroupID, string(raw), cvr.CreatedAt.UTC())
	return err
}
