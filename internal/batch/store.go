package batch

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id             TEXT NOT NULL,
	chunk_id             TEXT NOT NULL,
	phase                TEXT NOT NULL,
	started_at           DATETIME NOT NULL,
	completed_at         DATETIME,
	callback_retry_count INTEGER NOT NULL DEFAULT 0,
	custom_prompt        TEXT NOT NULL DEFAULT '',
	global_error         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (batch_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id TEXT NOT NULL,
	chunk_id TEXT NOT NULL,
	item_id  TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	status   TEXT NOT NULL,
	state    TEXT NOT NULL,
	PRIMARY KEY (batch_id, chunk_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch ON batch_items(batch_id, chunk_id);
`

// Store persists batch state to SQLite so batches survive restarts.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (or creates) the batch database and applies the schema.
func OpenStore(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("batch: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("batch: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("batch: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateBatch inserts a new batch and its items within a transaction.
func (s *Store) CreateBatch(b *BatchState) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO batches (batch_id, chunk_id, phase, started_at, callback_retry_count, custom_prompt, global_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.BatchID, b.ChunkID, string(b.Phase), b.StartedAt, b.CallbackRetryCount, b.CustomPrompt, b.GlobalError)
	if err != nil {
		return fmt.Errorf("batch: insert batch: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO batch_items (batch_id, chunk_id, item_id, seq, status, state) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("batch: prepare item insert: %w", err)
	}
	defer stmt.Close()
	for i, it := range b.Items {
		blob, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("batch: marshal item %s: %w", it.ID, err)
		}
		if _, err := stmt.Exec(b.BatchID, b.ChunkID, it.ID, i, string(it.Status), string(blob)); err != nil {
			return fmt.Errorf("batch: insert item %s: %w", it.ID, err)
		}
	}

	return tx.Commit()
}

// GetBatch loads a batch with its items, ordered as submitted.
func (s *Store) GetBatch(batchID, chunkID string) (*BatchState, error) {
	b := &BatchState{BatchID: batchID, ChunkID: chunkID}
	var phase string
	var completedAt sql.NullTime
	err := s.conn.QueryRow(`
		SELECT phase, started_at, completed_at, callback_retry_count, custom_prompt, global_error
		FROM batches WHERE batch_id = ? AND chunk_id = ?
	`, batchID, chunkID).Scan(&phase, &b.StartedAt, &completedAt, &b.CallbackRetryCount, &b.CustomPrompt, &b.GlobalError)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batch: get batch: %w", err)
	}
	b.Phase = Phase(phase)
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}

	rows, err := s.conn.Query(`
		SELECT state FROM batch_items
		WHERE batch_id = ? AND chunk_id = ? ORDER BY seq
	`, batchID, chunkID)
	if err != nil {
		return nil, fmt.Errorf("batch: get items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var it ItemState
		if err := json.Unmarshal([]byte(blob), &it); err != nil {
			return nil, fmt.Errorf("batch: unmarshal item: %w", err)
		}
		b.Items = append(b.Items, &it)
	}
	return b, rows.Err()
}

// SaveBatchMeta persists batch-level fields (phase, retry count, errors).
func (s *Store) SaveBatchMeta(b *BatchState) error {
	var completedAt any
	if b.CompletedAt != nil {
		completedAt = *b.CompletedAt
	}
	_, err := s.conn.Exec(`
		UPDATE batches SET phase = ?, completed_at = ?, callback_retry_count = ?, global_error = ?
		WHERE batch_id = ? AND chunk_id = ?
	`, string(b.Phase), completedAt, b.CallbackRetryCount, b.GlobalError, b.BatchID, b.ChunkID)
	if err != nil {
		return fmt.Errorf("batch: save batch meta: %w", err)
	}
	return nil
}

// SaveItem persists one item's state.
func (s *Store) SaveItem(batchID, chunkID string, it *ItemState) error {
	blob, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("batch: marshal item %s: %w", it.ID, err)
	}
	_, err = s.conn.Exec(`
		UPDATE batch_items SET status = ?, state = ?
		WHERE batch_id = ? AND chunk_id = ? AND item_id = ?
	`, string(it.Status), string(blob), batchID, chunkID, it.ID)
	if err != nil {
		return fmt.Errorf("batch: save item %s: %w", it.ID, err)
	}
	return nil
}

// DeleteBatch removes a batch and its items.
func (s *Store) DeleteBatch(batchID, chunkID string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, _ = tx.Exec(`DELETE FROM batch_items WHERE batch_id = ? AND chunk_id = ?`, batchID, chunkID)
	_, _ = tx.Exec(`DELETE FROM batches WHERE batch_id = ? AND chunk_id = ?`, batchID, chunkID)

	return tx.Commit()
}

// BatchKey identifies one unit of work.
type BatchKey struct {
	BatchID string
	ChunkID string
}

// ListActive returns the keys of all non-terminal batches, used to resume
// work after a restart.
func (s *Store) ListActive() ([]BatchKey, error) {
	rows, err := s.conn.Query(`
		SELECT batch_id, chunk_id FROM batches WHERE phase NOT IN (?, ?)
	`, string(PhaseDone), string(PhaseError))
	if err != nil {
		return nil, fmt.Errorf("batch: list active: %w", err)
	}
	defer rows.Close()
	var keys []BatchKey
	for rows.Next() {
		var k BatchKey
		if err := rows.Scan(&k.BatchID, &k.ChunkID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
