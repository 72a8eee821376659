package repos

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"skill-sync/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	stmts := []string{
		`CREATE TABLE entries (
			user_id TEXT NOT NULL,
			k TEXT NOT NULL,
			v TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, k)
		);`,
		`CREATE TABLE client_groups (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			cvr_version INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE clients (
			id TEXT PRIMARY KEY,
			client_group_id TEXT NOT NULL,
			last_mutation_id INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE client_view_records (
			id TEXT PRIMARY KEY,
			client_group_id TEXT NOT NULL,
			entries TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return NewStore(db, 3)
}

func TestPutEntryBumpsVersion(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, s.PutEntryTx(tx, "u1", "s/he:火", `{"a":1}`))
		e, err := s.GetEntryTx(tx, "u1", "s/he:火")
		require.NoError(t, err)
		require.Equal(t, int64(1), e.Version)

		require.NoError(t, s.PutEntryTx(tx, "u1", "s/he:火", `{"a":2}`))
		e, err = s.GetEntryTx(tx, "u1", "s/he:火")
		require.NoError(t, err)
		require.Equal(t, int64(2), e.Version)
		require.Equal(t, `{"a":2}`, e.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteThenRecreateNeverReusesVersion(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, s.PutEntryTx(tx, "u1", "s/he:火", `{"v":"old"}`))
		e, err := s.GetEntryTx(tx, "u1", "s/he:火")
		require.NoError(t, err)
		firstVersion := e.Version

		require.NoError(t, s.DeleteEntryTx(tx, "u1", "s/he:火"))
		_, err = s.GetEntryTx(tx, "u1", "s/he:火")
		require.ErrorIs(t, err, ErrNotFound)
		all, err := s.ScanAllTx(tx, "u1")
		require.NoError(t, err)
		require.Empty(t, all, "tombstoned rows must not appear in scans")

		require.NoError(t, s.PutEntryTx(tx, "u1", "s/he:火", `{"v":"new"}`))
		e, err = s.GetEntryTx(tx, "u1", "s/he:火")
		require.NoError(t, err)
		require.Greater(t, e.Version, firstVersion,
			"a recreated key must never reuse a version an old view may hold")
		require.Equal(t, `{"v":"new"}`, e.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTxRetriesBusyThenGivesUp(t *testing.T) {
	s := setupStore(t)
	attempts := 0
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	})
	require.ErrorIs(t, err, ErrTxBusy)
	require.Equal(t, 4, attempts, "one initial attempt plus maxRetries")
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	s := setupStore(t)
	boom := errors.New("mutator rejected")
	attempts := 0
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestScanPrefixOrderedAndBounded(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, k := range []string{"sr/he:火/b", "sr/he:火/a", "sr/he:火/c", "s/he:火", "t/x"} {
			require.NoError(t, s.PutEntryTx(tx, "u1", k, `{}`))
		}
		got, err := s.ScanPrefixTx(tx, "u1", "sr/he:火/", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "sr/he:火/a", got[0].Key)
		require.Equal(t, "sr/he:火/b", got[1].Key)

		desc, err := s.ScanPrefixDescTx(tx, "u1", "sr/he:火/", 2)
		require.NoError(t, err)
		require.Equal(t, "sr/he:火/c", desc[0].Key)
		require.Equal(t, "sr/he:火/b", desc[1].Key)
		return nil
	})
	require.NoError(t, err)
}

func TestScanIsolatedPerUser(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, s.PutEntryTx(tx, "u1", "s/he:火", `{}`))
		require.NoError(t, s.PutEntryTx(tx, "u2", "s/he:水", `{}`))
		got, err := s.ScanAllTx(tx, "u1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "s/he:火", got[0].Key)
		return nil
	})
	require.NoError(t, err)
}

func TestClientSeededAtZero(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := s.GetOrCreateClientGroupTx(tx, "u1", "g1")
		require.NoError(t, err)
		require.Equal(t, int64(0), g.CvrVersion)

		c, err := s.GetOrCreateClientTx(tx, "c1", g.ID)
		require.NoError(t, err)
		require.Equal(t, int64(0), c.LastMutationID)

		require.NoError(t, s.SetLastMutationIDTx(tx, "c1", 1))
		c, err = s.GetOrCreateClientTx(tx, "c1", g.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), c.LastMutationID)
		return nil
	})
	require.NoError(t, err)
}

func TestCVRRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.GetOrCreateClientGroupTx(tx, "u1", "g1")
		require.NoError(t, err)

		in := &models.CVR{
			ID:            "cvr-1",
			ClientGroupID: "g1",
			Entries:       map[string]int64{"s/he:火": 2, "sr/he:火/x": 1},
		}
		require.NoError(t, s.PutCVRTx(tx, in))

		out, err := s.GetCVRTx(tx, "cvr-1")
		require.NoError(t, err)
		require.Equal(t, in.Entries, out.Entries)
		require.Equal(t, "g1", out.ClientGroupID)

		_, err = s.GetCVRTx(tx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	require.Equal(t, "sr0", prefixUpperBound("sr/"))
	require.Equal(t, "t", prefixUpperBound("s\xff"))
}
