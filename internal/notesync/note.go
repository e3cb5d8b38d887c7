package notesync

import (
	"strings"
	"time"
)

type NoteSource string

const (
	SourceEphemeral NoteSource = "ephemeral"
	SourceDurable   NoteSource = "durable"
)

// Note is the unified entity presented to the UI layer. Exactly one Note
// per id exists in the merged view; Source names the store that owns the
// note's write path.
type Note struct {
	ID        string     `json:"id"`
	Source    NoteSource `json:"source"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Pinned    bool       `json:"isPinned"`
	Order     int        `json:"order"`
	Private   bool       `json:"isPrivate"`
	Collapsed bool       `json:"isCollapsed"`
	CreatedAt int64      `json:"createdAt"`
	UpdatedAt int64      `json:"updatedAt"`
}

// EphemeralRecord is the native shape stored under an anonymous token in
// the ephemeral store.
type EphemeralRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Pinned    bool   `json:"isPinned"`
	Order     int    `json:"order"`
	Private   bool   `json:"isPrivate"`
	Collapsed bool   `json:"isCollapsed"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// DurableRecord is the native row shape of the durable relational store.
type DurableRecord struct {
	ID        string
	OwnerID   string
	Title     string
	Content   string
	Pinned    bool
	SortOrder int
	Private   bool
	Collapsed bool
	CreatedAt int64
	UpdatedAt int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NoteFromEphemeral converts a native ephemeral record. A record missing
// its id or creation timestamp is malformed and rejected; callers drop and
// log it rather than merging a note with undefined behavior.
func NoteFromEphemeral(rec EphemeralRecord) (Note, error) {
	if strings.TrimSpace(rec.ID) == "" || rec.CreatedAt <= 0 {
		return Note{}, ErrMalformedRecord
	}
	updated := rec.UpdatedAt
	if updated < rec.CreatedAt {
		updated = rec.CreatedAt
	}
	if rec.Order < 0 {
		return Note{}, ErrMalformedRecord
	}
	return Note{
		ID:        rec.ID,
		Source:    SourceEphemeral,
		Title:     rec.Title,
		Content:   rec.Content,
		Pinned:    rec.Pinned,
		Order:     rec.Order,
		Private:   rec.Private,
		Collapsed: rec.Collapsed,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: updated,
	}, nil
}

func (n Note) ToEphemeral() EphemeralRecord {
	return EphemeralRecord{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		Pinned:    n.Pinned,
		Order:     n.Order,
		Private:   n.Private,
		Collapsed: n.Collapsed,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

// NoteFromDurable converts a native durable row, with the same malformed
// record policy as NoteFromEphemeral.
func NoteFromDurable(rec DurableRecord) (Note, error) {
	if strings.TrimSpace(rec.ID) == "" || rec.CreatedAt <= 0 {
		return Note{}, ErrMalformedRecord
	}
	updated := rec.UpdatedAt
	if updated < rec.CreatedAt {
		updated = rec.CreatedAt
	}
	if rec.SortOrder < 0 {
		return Note{}, ErrMalformedRecord
	}
	return Note{
		ID:        rec.ID,
		Source:    SourceDurable,
		Title:     rec.Title,
		Content:   rec.Content,
		Pinned:    rec.Pinned,
		Order:     rec.SortOrder,
		Private:   rec.Private,
		Collapsed: rec.Collapsed,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: updated,
	}, nil
}

func (n Note) ToDurable(ownerID string) DurableRecord {
	return DurableRecord{
		ID:        n.ID,
		OwnerID:   ownerID,
		Title:     n.Title,
		Content:   n.Content,
		Pinned:    n.Pinned,
		SortOrder: n.Order,
		Private:   n.Private,
		Collapsed: n.Collapsed,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}
