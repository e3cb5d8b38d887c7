package notesync

import (
	"context"
	"sync"
	"time"
)

const DefaultAutoSaveDelay = 2 * time.Second

type SaveFunc func(ctx context.Context, content string) error

// AutoSaver debounces content persistence for a single note. At most one
// save is in flight at a time; a debounce firing while a save is running
// is dropped, and the next debounce cycle naturally picks up the latest
// content once the in-flight save completes. The saved baseline only
// advances on success, so a failed save stays dirty and is retried by the
// next cycle or an explicit Flush.
type AutoSaver struct {
	mu        sync.Mutex
	delay     time.Duration
	save      SaveFunc
	timer     *time.Timer
	gen       uint64
	pending   string
	dirty     bool
	lastSaved string
	inFlight  bool
}

func NewAutoSaver(delay time.Duration, save SaveFunc) *AutoSaver {
	if delay <= 0 {
		delay = DefaultAutoSaveDelay
	}
	if save == nil {
		save = func(ctx context.Context, content string) error { return nil }
	}
	return &AutoSaver{delay: delay, save: save}
}

// SetBaseline records content as already persisted, without saving.
func (a *AutoSaver) SetBaseline(content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSaved = content
	if !a.dirty {
		a.pending = content
	}
}

// Debounce records the latest content and restarts the save timer.
func (a *AutoSaver) Debounce(content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = content
	a.dirty = true
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, func() { a.fire(gen) })
}

func (a *AutoSaver) fire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	if a.inFlight || !a.dirty || a.pending == a.lastSaved {
		if a.pending == a.lastSaved {
			a.dirty = false
		}
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	content := a.pending
	a.mu.Unlock()

	err := a.save(context.Background(), content)

	a.mu.Lock()
	a.inFlight = false
	if err == nil {
		a.lastSaved = content
		if a.pending == content {
			a.dirty = false
		}
	}
	a.mu.Unlock()
}

// Flush cancels any pending timer and saves immediately when the content
// differs from the last-saved baseline and no save is in flight. Used
// when an editing surface closes, so nothing is lost to the debounce
// window.
func (a *AutoSaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	a.stopTimerLocked()
	if a.inFlight || !a.dirty || a.pending == a.lastSaved {
		if a.pending == a.lastSaved {
			a.dirty = false
		}
		a.mu.Unlock()
		return nil
	}
	a.inFlight = true
	content := a.pending
	a.mu.Unlock()

	err := a.save(ctx, content)

	a.mu.Lock()
	a.inFlight = false
	if err == nil {
		a.lastSaved = content
		if a.pending == content {
			a.dirty = false
		}
	}
	a.mu.Unlock()
	return err
}

// Cancel drops any pending timer and unsaved content. Used on unmount
// when discarding is correct, e.g. the note was deleted mid-edit.
func (a *AutoSaver) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	a.dirty = false
	a.pending = a.lastSaved
}

// Busy reports whether the note has unsaved content, a pending timer, or
// a save in flight. Refresh skips busy notes.
func (a *AutoSaver) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil || a.dirty || a.inFlight
}

func (a *AutoSaver) stopTimerLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
