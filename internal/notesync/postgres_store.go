package notesync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	postgresNotesTableName   = "notes"
	postgresOperationTimeout = 5 * time.Second
	postgresMaxRetries       = 3
	postgresRetryBaseDelay   = 100 * time.Millisecond
	postgresRetryMaxDelay    = time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDurableStore is the authenticated relational store. Writes are
// idempotent upserts keyed by note id, so at-least-once delivery from the
// offline queue is safe to replay.
type PostgresDurableStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	logger    zerolog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDurableStore(dsn string, logger zerolog.Logger) (*PostgresDurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDurableStore{
		dsn:       dsn,
		tableName: postgresNotesTableName,
		openDB:    sql.Open,
		logger:    logger,
	}, nil
}

func (s *PostgresDurableStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTable := `
			CREATE TABLE IF NOT EXISTS ` + s.tableName + ` (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL DEFAULT '',
				pinned BOOLEAN NOT NULL DEFAULT FALSE,
				sort_order INTEGER NOT NULL DEFAULT 0,
				private BOOLEAN NOT NULL DEFAULT FALSE,
				collapsed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		createIndex := "CREATE INDEX IF NOT EXISTS " + s.tableName + "_owner_idx ON " + s.tableName + " (owner_id)"
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresDurableStore) ReadAll(ctx context.Context, ownerKey string) ([]Note, error) {
	if strings.TrimSpace(ownerKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var notes []Note
	err := s.withRetry(ctx, func(opCtx context.Context) error {
		query := `
			SELECT id, owner_id, title, content, pinned, sort_order, private, collapsed, created_at, updated_at
			FROM ` + s.tableName + `
			WHERE owner_id = $1`
		rows, err := s.db.QueryContext(opCtx, query, ownerKey)
		if err != nil {
			return err
		}
		defer rows.Close()

		notes = notes[:0]
		for rows.Next() {
			var rec DurableRecord
			if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.Content, &rec.Pinned,
				&rec.SortOrder, &rec.Private, &rec.Collapsed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
				return err
			}
			note, convErr := NoteFromDurable(rec)
			if convErr != nil {
				s.logger.Warn().Err(convErr).Str("owner", ownerKey).Str("note", rec.ID).
					Msg("dropping malformed durable record")
				continue
			}
			notes = append(notes, note)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return notes, nil
}

func (s *PostgresDurableStore) Write(ctx context.Context, ownerKey string, note Note) error {
	if strings.TrimSpace(ownerKey) == "" || strings.TrimSpace(note.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	rec := note.ToDurable(ownerKey)
	return s.withRetry(ctx, func(opCtx context.Context) error {
		query := `
			INSERT INTO ` + s.tableName + ` (id, owner_id, title, content, pinned, sort_order, private, collapsed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id)
			DO UPDATE SET
				owner_id = EXCLUDED.owner_id,
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				pinned = EXCLUDED.pinned,
				sort_order = EXCLUDED.sort_order,
				private = EXCLUDED.private,
				collapsed = EXCLUDED.collapsed,
				updated_at = EXCLUDED.updated_at`
		_, err := s.db.ExecContext(opCtx, query,
			rec.ID, rec.OwnerID, rec.Title, rec.Content, rec.Pinned,
			rec.SortOrder, rec.Private, rec.Collapsed, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
}

func (s *PostgresDurableStore) Delete(ctx context.Context, ownerKey, noteID string) error {
	if strings.TrimSpace(ownerKey) == "" || strings.TrimSpace(noteID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.withRetry(ctx, func(opCtx context.Context) error {
		query := "DELETE FROM " + s.tableName + " WHERE id = $1 AND owner_id = $2"
		result, err := s.db.ExecContext(opCtx, query, noteID, ownerKey)
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
	})
}

func (s *PostgresDurableStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withRetry runs op with a per-attempt timeout and bounded backoff.
// ErrNotFound and context cancellation are never retried.
func (s *PostgresDurableStore) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	delay := postgresRetryBaseDelay
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		err := op(opCtx)
		cancel()
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt >= postgresMaxRetries-1 {
			return err
		}
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > postgresRetryMaxDelay {
			delay = postgresRetryMaxDelay
		}
	}
}
