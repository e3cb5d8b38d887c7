package notesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteQueueTableName       = "pending_ops"
	sqliteQueueOperationWindow = 5 * time.Second
)

// sqliteOpQueue persists the pending-operation log in a local SQLite
// database, for hosts where a single JSON file is too fragile (several
// writers, large payloads).
type sqliteOpQueue struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteOpQueue(path string) (OpQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &sqliteOpQueue{path: path, openDB: sql.Open}, nil
}

func (q *sqliteOpQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("sqlite3", q.path)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
		defer cancel()
		query := `
			CREATE TABLE IF NOT EXISTS ` + sqliteQueueTableName + ` (
				op_id TEXT PRIMARY KEY,
				note_id TEXT NOT NULL,
				op_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				ts BIGINT NOT NULL
			)`
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *sqliteOpQueue) Enqueue(op PendingOp) error {
	if err := validateOp(op); err != nil {
		return err
	}
	if op.Timestamp <= 0 {
		op.Timestamp = nowMillis()
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	deleteQuery := "DELETE FROM " + sqliteQueueTableName + " WHERE note_id = ? AND op_type = ?"
	if _, err := tx.ExecContext(ctx, deleteQuery, op.NoteID, string(op.Type)); err != nil {
		return err
	}
	insertQuery := "INSERT INTO " + sqliteQueueTableName + " (op_id, note_id, op_type, payload, ts) VALUES (?, ?, ?, ?, ?)"
	if _, err := tx.ExecContext(ctx, insertQuery, op.ID, op.NoteID, string(op.Type), string(payload), op.Timestamp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *sqliteOpQueue) Remove(opID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	result, err := q.db.ExecContext(ctx, "DELETE FROM "+sqliteQueueTableName+" WHERE op_id = ?", opID)
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

func (q *sqliteOpQueue) List() []PendingOp {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	rows, err := q.db.QueryContext(ctx, "SELECT payload FROM "+sqliteQueueTableName+" ORDER BY ts ASC, rowid ASC")
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]PendingOp, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var op PendingOp
		if err := json.Unmarshal([]byte(payload), &op); err != nil || strings.TrimSpace(op.ID) == "" {
			continue
		}
		items = append(items, op)
	}
	return items
}

func (q *sqliteOpQueue) Len() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqliteQueueTableName).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *sqliteOpQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
