// Package slackindex embeds Slack history into the vector store and
// serves semantic search over it. Run state and per-channel watermarks
// live in SQLite so interrupted runs resume instead of re-reading
// everything.
package slackindex

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/databridge-io/databridge/pkg/faults"
)

// Run states. A run that stays out of IDLE past the stuck lease is
// considered abandoned and can be taken over.
const (
	StateIdle       = "IDLE"
	StateRunning    = "RUNNING"
	StateFinalizing = "FINALIZING"
)

const stuckLease = time.Hour

// Status is the persisted view of a workspace's indexing run. OldestTS
// and NewestTS bound the message timestamps currently in the index; both
// are nil until the first batch lands.
type Status struct {
	WorkspaceID     string     `json:"workspace_id"`
	State           string     `json:"state"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	MessagesIndexed int        `json:"messages_indexed"`
	ChannelsDone    int        `json:"channels_done"`
	OldestTS        *float64   `json:"oldest_ts,omitempty"`
	NewestTS        *float64   `json:"newest_ts,omitempty"`
	Error           string     `json:"error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Watermark records how far a channel has been indexed.
type Watermark struct {
	ChannelID     string  `json:"channel_id"`
	ChannelName   string  `json:"channel_name"`
	LastIndexedTS float64 `json:"last_indexed_ts"`
}

// Store is the SQLite persistence layer.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS index_status (
	workspace_id     TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'IDLE',
	started_at       REAL,
	finished_at      REAL,
	messages_indexed INTEGER NOT NULL DEFAULT 0,
	channels_done    INTEGER NOT NULL DEFAULT 0,
	oldest_ts        REAL,
	newest_ts        REAL,
	error            TEXT NOT NULL DEFAULT '',
	updated_at       REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS watermarks (
	workspace_id    TEXT NOT NULL,
	channel_id      TEXT NOT NULL,
	channel_name    TEXT NOT NULL DEFAULT '',
	last_indexed_ts REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace_id, channel_id)
);
`

// OpenStore opens (and migrates) the SQLite database at path. Use
// ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, faults.Wrap(faults.ConfigInvalid, fmt.Sprintf("cannot open index db at %s", path), err)
	}
	// SQLite allows one writer; serialize access in-process too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, faults.Wrap(faults.ConfigInvalid, "cannot migrate index db", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Status returns the workspace's run status, defaulting to IDLE.
func (s *Store) Status(workspaceID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(workspaceID)
}

func (s *Store) statusLocked(workspaceID string) (*Status, error) {
	row := s.db.QueryRow(`
		SELECT state, started_at, finished_at, messages_indexed, channels_done, oldest_ts, newest_ts, error, updated_at
		FROM index_status WHERE workspace_id = ?`, workspaceID)

	status := &Status{WorkspaceID: workspaceID, State: StateIdle}
	var startedAt, finishedAt, oldestTS, newestTS sql.NullFloat64
	var updatedAt float64
	err := row.Scan(&status.State, &startedAt, &finishedAt,
		&status.MessagesIndexed, &status.ChannelsDone, &oldestTS, &newestTS, &status.Error, &updatedAt)
	if err == sql.ErrNoRows {
		return status, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "cannot read index status", err)
	}

	if startedAt.Valid {
		t := time.Unix(int64(startedAt.Float64), 0).UTC()
		status.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(int64(finishedAt.Float64), 0).UTC()
		status.FinishedAt = &t
	}
	if oldestTS.Valid {
		v := oldestTS.Float64
		status.OldestTS = &v
	}
	if newestTS.Valid {
		v := newestTS.Float64
		status.NewestTS = &v
	}
	status.UpdatedAt = time.Unix(int64(updatedAt), 0).UTC()
	return status, nil
}

// AcquireRun transitions the workspace to RUNNING. It fails when a run
// is already live, unless that run's lease has gone stale.
func (s *Store) AcquireRun(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.statusLocked(workspaceID)
	if err != nil {
		return err
	}
	if status.State != StateIdle {
		age := s.now().Sub(status.UpdatedAt)
		if age < stuckLease {
			return faults.New(faults.ToolExecutionFailed,
				fmt.Sprintf("indexing already %s for workspace %s", status.State, workspaceID))
		}
		// The previous run died without releasing; take over.
	}

	now := float64(s.now().Unix())
	_, err = s.db.Exec(`
		INSERT INTO index_status (workspace_id, state, started_at, finished_at, messages_indexed, channels_done, error, updated_at)
		VALUES (?, ?, ?, NULL, 0, 0, '', ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			finished_at = NULL,
			messages_indexed = 0,
			channels_done = 0,
			error = '',
			updated_at = excluded.updated_at`,
		workspaceID, StateRunning, now, now)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot acquire index run", err)
	}
	return nil
}

// SetState updates the run state and refreshes the lease.
func (s *Store) SetState(workspaceID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE index_status SET state = ?, updated_at = ? WHERE workspace_id = ?`,
		state, float64(s.now().Unix()), workspaceID)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot update index state", err)
	}
	return nil
}

// RecordProgress bumps the counters and refreshes the lease.
func (s *Store) RecordProgress(workspaceID string, messages, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE index_status
		SET messages_indexed = messages_indexed + ?, channels_done = channels_done + ?, updated_at = ?
		WHERE workspace_id = ?`,
		messages, channels, float64(s.now().Unix()), workspaceID)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot record index progress", err)
	}
	return nil
}

// FinishRun returns the workspace to IDLE, recording the outcome.
func (s *Store) FinishRun(workspaceID string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message := ""
	if runErr != nil {
		message = runErr.Error()
	}
	now := float64(s.now().Unix())
	_, err := s.db.Exec(`
		UPDATE index_status
		SET state = ?, finished_at = ?, error = ?, updated_at = ?
		WHERE workspace_id = ?`,
		StateIdle, now, message, now, workspaceID)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot finish index run", err)
	}
	return nil
}

// RecordSpan widens the workspace's indexed-message time range to cover
// a freshly upserted batch.
func (s *Store) RecordSpan(workspaceID string, oldest, newest float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE index_status
		SET oldest_ts = MIN(COALESCE(oldest_ts, ?), ?),
		    newest_ts = MAX(COALESCE(newest_ts, ?), ?),
		    updated_at = ?
		WHERE workspace_id = ?`,
		oldest, oldest, newest, newest, float64(s.now().Unix()), workspaceID)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot record index span", err)
	}
	return nil
}

// ClampSpan raises the range's lower bound after a retention prune. A
// workspace that never indexed anything keeps its empty range.
func (s *Store) ClampSpan(workspaceID string, cutoff float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A cutoff past newest_ts means the prune emptied the index, so the
	// whole range resets. Scalar MAX propagates NULL, keeping an unset
	// range unset.
	_, err := s.db.Exec(`
		UPDATE index_status
		SET oldest_ts = CASE WHEN newest_ts < ? THEN NULL ELSE MAX(oldest_ts, ?) END,
		    newest_ts = CASE WHEN newest_ts < ? THEN NULL ELSE newest_ts END,
		    updated_at = ?
		WHERE workspace_id = ?`,
		cutoff, cutoff, cutoff, float64(s.now().Unix()), workspaceID)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot clamp index span", err)
	}
	return nil
}

// Watermark returns the channel's last indexed ts, zero when unknown.
func (s *Store) Watermark(workspaceID, channelID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT last_indexed_ts FROM watermarks WHERE workspace_id = ? AND channel_id = ?`,
		workspaceID, channelID)
	var ts float64
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, faults.Wrap(faults.Internal, "cannot read watermark", err)
	}
	return ts, nil
}

// SetWatermark advances the channel's watermark. Watermarks never move
// backwards.
func (s *Store) SetWatermark(workspaceID, channelID, channelName string, ts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO watermarks (workspace_id, channel_id, channel_name, last_indexed_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, channel_id) DO UPDATE SET
			channel_name = excluded.channel_name,
			last_indexed_ts = MAX(last_indexed_ts, excluded.last_indexed_ts)`,
		workspaceID, channelID, channelName, ts)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot set watermark", err)
	}
	return nil
}

// Watermarks lists the workspace's channel watermarks.
func (s *Store) Watermarks(workspaceID string) ([]Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT channel_id, channel_name, last_indexed_ts
		FROM watermarks WHERE workspace_id = ? ORDER BY channel_id`, workspaceID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "cannot list watermarks", err)
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var w Watermark
		if err := rows.Scan(&w.ChannelID, &w.ChannelName, &w.LastIndexedTS); err != nil {
			return nil, faults.Wrap(faults.Internal, "cannot scan watermark", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ResetWatermarks clears a workspace's watermarks, forcing the next run
// to re-read full history.
func (s *Store) ResetWatermarks(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM watermarks WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot reset watermarks", err)
	}
	return nil
}
