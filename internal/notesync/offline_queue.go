package notesync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type OpType string

const (
	OpCreate        OpType = "create"
	OpUpdate        OpType = "update"
	OpDelete        OpType = "delete"
	OpUpdateTitle   OpType = "updateTitle"
	OpUpdatePin     OpType = "updatePin"
	OpUpdatePrivacy OpType = "updatePrivacy"
)

func validOpType(t OpType) bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpUpdateTitle, OpUpdatePin, OpUpdatePrivacy:
		return true
	default:
		return false
	}
}

// PendingOp is one mutation that could not reach a remote store. Note
// carries the full entity snapshot at enqueue time; for OpDelete only
// NoteID matters.
type PendingOp struct {
	ID        string `json:"id"`
	Type      OpType `json:"type"`
	NoteID    string `json:"noteId"`
	Note      Note   `json:"note"`
	Timestamp int64  `json:"timestamp"`
}

// OpQueue is a durable log of pending mutations. Enqueue coalesces by
// (NoteID, Type): only the latest mutation of a given type per note is
// kept, bounding growth under rapid edits. Implementations persist the
// full queue on every mutation so an interrupted session resumes without
// silent loss.
type OpQueue interface {
	Enqueue(op PendingOp) error
	Remove(opID string) error
	List() []PendingOp
	Len() int
	Close() error
}

func validateOp(op PendingOp) error {
	if strings.TrimSpace(op.ID) == "" || strings.TrimSpace(op.NoteID) == "" {
		return ErrInvalidInput
	}
	if !validOpType(op.Type) {
		return ErrInvalidInput
	}
	return nil
}

func coalesce(items []PendingOp, op PendingOp) []PendingOp {
	kept := items[:0]
	for _, existing := range items {
		if existing.NoteID == op.NoteID && existing.Type == op.Type {
			continue
		}
		kept = append(kept, existing)
	}
	return append(kept, op)
}

func sortedOps(items []PendingOp) []PendingOp {
	out := append([]PendingOp(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

type memoryOpQueue struct {
	mu    sync.Mutex
	items []PendingOp
}

func NewMemoryOpQueue() OpQueue {
	return &memoryOpQueue{}
}

func (q *memoryOpQueue) Enqueue(op PendingOp) error {
	if err := validateOp(op); err != nil {
		return err
	}
	if op.Timestamp <= 0 {
		op.Timestamp = nowMillis()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = coalesce(q.items, op)
	return nil
}

func (q *memoryOpQueue) Remove(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.items {
		if existing.ID == opID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (q *memoryOpQueue) List() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedOps(q.items)
}

func (q *memoryOpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryOpQueue) Close() error {
	return nil
}

type fileOpQueue struct {
	path  string
	mu    sync.Mutex
	items []PendingOp
}

type fileOpQueueState struct {
	Items []PendingOp `json:"items"`
}

// NewFileOpQueue opens (or creates) a JSON-file-backed queue. The file is
// rewritten atomically on every mutation.
func NewFileOpQueue(path string) (OpQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &fileOpQueue{path: path, items: []PendingOp{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileOpQueue) Enqueue(op PendingOp) error {
	if err := validateOp(op); err != nil {
		return err
	}
	if op.Timestamp <= 0 {
		op.Timestamp = nowMillis()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	before := append([]PendingOp(nil), q.items...)
	q.items = coalesce(q.items, op)
	if err := q.saveLocked(); err != nil {
		q.items = before
		return err
	}
	return nil
}

func (q *fileOpQueue) Remove(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.items {
		if existing.ID == opID {
			before := append([]PendingOp(nil), q.items...)
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.saveLocked(); err != nil {
				q.items = before
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

func (q *fileOpQueue) List() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedOps(q.items)
}

func (q *fileOpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileOpQueue) Close() error {
	return nil
}

func (q *fileOpQueue) Path() string {
	return q.path
}

func (q *fileOpQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOpQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]PendingOp(nil), snapshot.Items...)
	return nil
}

func (q *fileOpQueue) saveLocked() error {
	snapshot := fileOpQueueState{Items: append([]PendingOp(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// queuePathProvider is implemented by queue backends whose persistence
// lives at a watchable filesystem path.
type queuePathProvider interface {
	Path() string
}
