// Package persist keeps identity snapshots in a SQLite file so a restarted
// process can serve and extend them without reading the note store again.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/snapshot"
	"github.com/go-git/go-git/v5/plumbing"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	commit_id TEXT PRIMARY KEY,
	records INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	stored_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	commit_id TEXT NOT NULL,
	note_id TEXT NOT NULL,
	ext_key TEXT NOT NULL,
	account_id INTEGER NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	blob_id TEXT NOT NULL,
	PRIMARY KEY (commit_id, note_id)
) WITHOUT ROWID;
`

// Store is a SQLite table of snapshots keyed by commit.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; readers share the connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the snapshot stored for commit.
func (s *Store) Get(ctx context.Context, commit plumbing.Hash) (*snapshot.AllIdentities, bool, error) {
	var want int
	err := s.db.QueryRowContext(ctx,
		`SELECT records FROM snapshots WHERE commit_id = ?`, commit.String()).Scan(&want)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query snapshot %s: %w", commit, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, ext_key, account_id, email, password, blob_id
		FROM records WHERE commit_id = ?`, commit.String())
	if err != nil {
		return nil, false, fmt.Errorf("query records %s: %w", commit, err)
	}
	defer func() { _ = rows.Close() }() // read-only, safe to ignore

	recs := make([]extid.Record, 0, want)
	for rows.Next() {
		var noteID, key, email, password, blob string
		var account int
		if err := rows.Scan(&noteID, &key, &account, &email, &password, &blob); err != nil {
			return nil, false, fmt.Errorf("scan record: %w", err)
		}
		r := extid.New(extid.ParseKey(key), account).
			WithEmail(email).
			WithPassword(password).
			WithBlob(plumbing.NewHash(blob))
		if r.NoteID() != noteID {
			return nil, false, fmt.Errorf("snapshot %s: record %s stored under note %s", commit, key, noteID)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("read records %s: %w", commit, err)
	}
	if len(recs) != want {
		return nil, false, fmt.Errorf("snapshot %s: expected %d records, found %d", commit, want, len(recs))
	}
	return snapshot.Build(recs), true, nil
}

// Put stores snap for commit, replacing any earlier copy.
func (s *Store) Put(ctx context.Context, commit plumbing.Hash, snap *snapshot.AllIdentities) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	id := commit.String()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE commit_id = ?`, id); err != nil {
		return fmt.Errorf("clear snapshot %s: %w", commit, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (commit_id, records, seq, stored_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots), ?)`,
		id, snap.Len(), time.Now().Unix()); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", commit, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (commit_id, note_id, ext_key, account_id, email, password, blob_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range snap.All() {
		if _, err := stmt.ExecContext(ctx, id, r.NoteID(), r.Key.String(), r.AccountID,
			r.Email, r.Password, r.BlobID.String()); err != nil {
			return fmt.Errorf("insert record %s: %w", r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", commit, err)
	}
	return nil
}

// Prune deletes all but the keep most recently stored snapshots.
func (s *Store) Prune(ctx context.Context, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	const stale = `
		SELECT commit_id FROM snapshots
		ORDER BY seq DESC
		LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE commit_id IN (`+stale+`)`, keep); err != nil {
		return fmt.Errorf("prune records: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE commit_id IN (`+stale+`)`, keep); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit()
}

// Len returns the number of stored snapshots.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}
