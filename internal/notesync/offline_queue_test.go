package notesync

import (
	"errors"
	"path/filepath"
	"testing"
)

func pendingOp(id, noteID string, opType OpType, ts int64) PendingOp {
	return PendingOp{
		ID:     id,
		Type:   opType,
		NoteID: noteID,
		Note: Note{
			ID:        noteID,
			Source:    SourceEphemeral,
			Content:   "content-" + id,
			CreatedAt: 1,
			UpdatedAt: ts,
		},
		Timestamp: ts,
	}
}

func TestMemoryOpQueueCoalescesByNoteAndType(t *testing.T) {
	q := NewMemoryOpQueue()

	if err := q.Enqueue(pendingOp("op1", "n1", OpUpdate, 10)); err != nil {
		t.Fatalf("enqueue op1: %v", err)
	}
	if err := q.Enqueue(pendingOp("op2", "n1", OpUpdate, 20)); err != nil {
		t.Fatalf("enqueue op2: %v", err)
	}
	if err := q.Enqueue(pendingOp("op3", "n1", OpDelete, 30)); err != nil {
		t.Fatalf("enqueue op3: %v", err)
	}
	if err := q.Enqueue(pendingOp("op4", "n2", OpUpdate, 5)); err != nil {
		t.Fatalf("enqueue op4: %v", err)
	}

	if got := q.Len(); got != 3 {
		t.Fatalf("expected 3 queued ops after coalescing, got %d", got)
	}
	ops := q.List()
	if ops[0].ID != "op4" || ops[1].ID != "op2" || ops[2].ID != "op3" {
		t.Fatalf("unexpected replay order: %s %s %s", ops[0].ID, ops[1].ID, ops[2].ID)
	}
	if ops[1].Note.Content != "content-op2" {
		t.Fatalf("coalescing must keep the latest snapshot, got %q", ops[1].Note.Content)
	}
}

func TestMemoryOpQueueRejectsInvalidOps(t *testing.T) {
	q := NewMemoryOpQueue()

	if err := q.Enqueue(PendingOp{Type: OpUpdate, NoteID: "n1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing op id, got %v", err)
	}
	if err := q.Enqueue(PendingOp{ID: "op1", Type: OpType("bogus"), NoteID: "n1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bogus type, got %v", err)
	}
	if err := q.Remove("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound removing absent op, got %v", err)
	}
}

func TestFileOpQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "pending.json")

	q, err := NewFileOpQueue(path)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := q.Enqueue(pendingOp("op1", "n1", OpCreate, 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(pendingOp("op2", "n2", OpDelete, 20)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileOpQueue(path)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if got := reopened.Len(); got != 2 {
		t.Fatalf("expected 2 ops after reopen, got %d", got)
	}
	ops := reopened.List()
	if ops[0].ID != "op1" || ops[1].ID != "op2" {
		t.Fatalf("unexpected order after reopen: %s %s", ops[0].ID, ops[1].ID)
	}

	if err := reopened.Remove("op1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	again, err := NewFileOpQueue(path)
	if err != nil {
		t.Fatalf("reopen after remove: %v", err)
	}
	if got := again.Len(); got != 1 {
		t.Fatalf("removal must persist, got %d ops", got)
	}
}

func TestFileOpQueueCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	q, err := NewFileOpQueue(path)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		op := pendingOp("op", "n1", OpUpdate, i)
		op.ID = op.ID + string(rune('0'+i))
		if err := q.Enqueue(op); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("rapid same-type edits must coalesce to 1 op, got %d", got)
	}
	if ops := q.List(); ops[0].Timestamp != 5 {
		t.Fatalf("expected latest op kept, got ts=%d", ops[0].Timestamp)
	}
}
