package notesync

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Integration test; point NOTESYNC_PG_TEST_DSN at a scratch database to run.
func TestPostgresDurableStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("NOTESYNC_PG_TEST_DSN")
	if dsn == "" {
		t.Skip("NOTESYNC_PG_TEST_DSN not set")
	}
	store, err := NewPostgresDurableStore(dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	owner := "test-owner-" + uuid.NewString()
	ctx := context.Background()
	note := Note{
		ID:        uuid.NewString(),
		Source:    SourceDurable,
		Title:     "integration",
		Content:   "<p>hello</p>",
		Order:     1,
		CreatedAt: 100,
		UpdatedAt: 100,
	}

	if err := store.Write(ctx, owner, note); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Upsert: a second write with new content must not error or duplicate.
	note.Content = "<p>updated</p>"
	note.UpdatedAt = 200
	if err := store.Write(ctx, owner, note); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	notes, err := store.ReadAll(ctx, owner)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "<p>updated</p>" {
		t.Fatalf("unexpected notes: %+v", notes)
	}

	if err := store.Delete(ctx, owner, note.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, owner, note.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestNewPostgresDurableStoreRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresDurableStore("  ", zerolog.Nop()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
