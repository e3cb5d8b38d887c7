package notesync

import (
	"sort"
	"strings"
)

type MoveDirection string

const (
	MoveUp   MoveDirection = "up"
	MoveDown MoveDirection = "down"
)

// Compare orders two notes for rendering without touching stored ranks.
// newestID may designate a just-created note that always sorts first for
// the current render pass; pass "" when none is designated.
//
// Priority chain, first non-zero wins: designated newest, unassigned rank
// (order zero) before assigned, newer creation among unassigned, pinned
// before unpinned, smaller assigned rank, most recently updated, id.
func Compare(a, b Note, newestID string) int {
	if newestID != "" {
		if a.ID == newestID && b.ID != newestID {
			return -1
		}
		if b.ID == newestID && a.ID != newestID {
			return 1
		}
	}
	aZero := a.Order == 0
	bZero := b.Order == 0
	if aZero != bZero {
		if aZero {
			return -1
		}
		return 1
	}
	if aZero && bZero {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
	}
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	if !aZero && !bZero && a.Order != b.Order {
		if a.Order < b.Order {
			return -1
		}
		return 1
	}
	if a.UpdatedAt != b.UpdatedAt {
		if a.UpdatedAt > b.UpdatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// SortForRender sorts a copy of notes with Compare.
func SortForRender(notes []Note, newestID string) []Note {
	out := append([]Note(nil), notes...)
	sort.SliceStable(out, func(i, j int) bool {
		return Compare(out[i], out[j], newestID) < 0
	})
	return out
}

// Normalize renumbers a note set into the canonical persisted order:
// pinned assigned ranks, pinned unassigned, unpinned unassigned, unpinned
// assigned, with order reassigned densely from 1. Unassigned partitions
// surface newest-first so a brand-new note lands near the top of its
// pin-class. Normalize(Normalize(x)) == Normalize(x).
func Normalize(notes []Note) []Note {
	var pinnedPositive, pinnedZero, unpinnedZero, unpinnedPositive []Note
	for _, n := range notes {
		switch {
		case n.Pinned && n.Order > 0:
			pinnedPositive = append(pinnedPositive, n)
		case n.Pinned:
			pinnedZero = append(pinnedZero, n)
		case n.Order == 0:
			unpinnedZero = append(unpinnedZero, n)
		default:
			unpinnedPositive = append(unpinnedPositive, n)
		}
	}
	byRank := func(part []Note) {
		sort.SliceStable(part, func(i, j int) bool {
			if part[i].Order != part[j].Order {
				return part[i].Order < part[j].Order
			}
			if part[i].CreatedAt != part[j].CreatedAt {
				return part[i].CreatedAt < part[j].CreatedAt
			}
			return part[i].ID < part[j].ID
		})
	}
	newestFirst := func(part []Note) {
		sort.SliceStable(part, func(i, j int) bool {
			if part[i].CreatedAt != part[j].CreatedAt {
				return part[i].CreatedAt > part[j].CreatedAt
			}
			return part[i].ID < part[j].ID
		})
	}
	byRank(pinnedPositive)
	newestFirst(pinnedZero)
	newestFirst(unpinnedZero)
	byRank(unpinnedPositive)

	out := make([]Note, 0, len(notes))
	out = append(out, pinnedPositive...)
	out = append(out, pinnedZero...)
	out = append(out, unpinnedZero...)
	out = append(out, unpinnedPositive...)
	for i := range out {
		out[i].Order = i + 1
	}
	return out
}

// Reorder moves the note one position up or down within its pin-class and
// renumbers only that class. Unpinned ranks are offset by the pinned-class
// count so the two classes never collide regardless of which class is
// renumbered. Returns the updated set and whether anything moved; moving
// past either end of the class is a no-op.
func Reorder(notes []Note, id string, dir MoveDirection) ([]Note, bool, error) {
	if dir != MoveUp && dir != MoveDown {
		return nil, false, ErrInvalidInput
	}
	var target *Note
	for i := range notes {
		if notes[i].ID == id {
			target = &notes[i]
			break
		}
	}
	if target == nil {
		return nil, false, ErrNotFound
	}
	normalized := Normalize(notes)

	pinnedCount := 0
	var class []Note
	for _, n := range normalized {
		if n.Pinned {
			pinnedCount++
		}
		if n.Pinned == target.Pinned {
			class = append(class, n)
		}
	}
	idx := -1
	for i := range class {
		if class[i].ID == id {
			idx = i
			break
		}
	}
	swap := idx - 1
	if dir == MoveDown {
		swap = idx + 1
	}
	if swap < 0 || swap >= len(class) {
		return normalized, false, nil
	}
	class[idx], class[swap] = class[swap], class[idx]

	offset := 0
	if !target.Pinned {
		offset = pinnedCount
	}
	ranks := make(map[string]int, len(class))
	for i, n := range class {
		ranks[n.ID] = offset + i + 1
	}
	for i := range normalized {
		if rank, ok := ranks[normalized[i].ID]; ok {
			normalized[i].Order = rank
		}
	}
	sort.SliceStable(normalized, func(i, j int) bool {
		return normalized[i].Order < normalized[j].Order
	})
	return normalized, true, nil
}
