// Package runlog persists snapshots of watched runs so they can be listed
// and inspected later without a gateway connection.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/paths"
)

var (
	ErrEmptyRunID = errors.New("run ID cannot be empty")
	ErrNotFound   = errors.New("run not found in the local log")
)

// Entry is one archived run snapshot.
type Entry struct {
	Run     api.Run
	Gateway string
	SavedAt time.Time
}

// Store keeps run snapshots in a local SQLite file.
type Store struct {
	db *sql.DB
}

// DefaultPath is where the log lives unless configured otherwise.
func DefaultPath() string {
	return filepath.Join(paths.GetDataDir(), "runlog.db")
}

// New opens, and if needed creates, the run log at path.
func New(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			gateway TEXT,
			agent_id TEXT,
			model TEXT,
			status TEXT,
			created_at TEXT,
			last_seq INTEGER,
			invocations TEXT,
			saved_at TEXT
		)
	`)
	if err != nil {
		db.Close()
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts one snapshot. A zero SavedAt is stamped with the current
// time; saving the same run again replaces the previous snapshot.
func (s *Store) Save(ctx context.Context, entry Entry) error {
	if entry.Run.RunID == "" {
		return ErrEmptyRunID
	}
	if entry.SavedAt.IsZero() {
		entry.SavedAt = time.Now().UTC()
	}

	invocationsJSON := "[]"
	if len(entry.Run.Invocations) > 0 {
		data, err := json.Marshal(entry.Run.Invocations)
		if err != nil {
			return fmt.Errorf("encoding invocations: %w", err)
		}
		invocationsJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, gateway, agent_id, model, status, created_at, last_seq, invocations, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			gateway = excluded.gateway,
			agent_id = excluded.agent_id,
			model = excluded.model,
			status = excluded.status,
			created_at = excluded.created_at,
			last_seq = excluded.last_seq,
			invocations = excluded.invocations,
			saved_at = excluded.saved_at
	`,
		entry.Run.RunID,
		entry.Gateway,
		entry.Run.AgentID,
		entry.Run.Model,
		entry.Run.Status,
		entry.Run.CreatedAt,
		entry.Run.LastSeq,
		invocationsJSON,
		entry.SavedAt.Format(time.RFC3339Nano),
	)
	return err
}

// Get returns the snapshot saved for runID.
func (s *Store) Get(ctx context.Context, runID string) (Entry, error) {
	if runID == "" {
		return Entry{}, ErrEmptyRunID
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, gateway, agent_id, model, status, created_at, last_seq, invocations, saved_at
		FROM runs WHERE run_id = ?
	`, runID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// List returns every snapshot, most recently saved first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, gateway, agent_id, model, status, created_at, last_seq, invocations, saved_at
		FROM runs ORDER BY saved_at DESC, run_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes one snapshot.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return ErrEmptyRunID
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (Entry, error) {
	var (
		entry           Entry
		invocationsJSON string
		savedAt         string
	)
	err := row.Scan(
		&entry.Run.RunID,
		&entry.Gateway,
		&entry.Run.AgentID,
		&entry.Run.Model,
		&entry.Run.Status,
		&entry.Run.CreatedAt,
		&entry.Run.LastSeq,
		&invocationsJSON,
		&savedAt,
	)
	if err != nil {
		return Entry{}, err
	}

	if invocationsJSON != "" && invocationsJSON != "[]" {
		if err := json.Unmarshal([]byte(invocationsJSON), &entry.Run.Invocations); err != nil {
			return Entry{}, fmt.Errorf("decoding invocations for run %s: %w", entry.Run.RunID, err)
		}
	}
	if entry.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return Entry{}, fmt.Errorf("decoding saved_at for run %s: %w", entry.Run.RunID, err)
	}
	return entry, nil
}
