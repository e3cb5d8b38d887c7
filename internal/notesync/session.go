package notesync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrMalformedRecord = errors.New("malformed record")
	ErrUnavailable     = errors.New("store unavailable")
	ErrOffline         = errors.New("offline")
)

type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitializing  SessionState = "initializing"
	StateReady         SessionState = "ready"
	StateRefreshing    SessionState = "refreshing"
)

// Store is the boundary to one backing note store. Adapters own their
// retry/backoff; only a final success or error crosses into the core.
type Store interface {
	ReadAll(ctx context.Context, ownerKey string) ([]Note, error)
	Write(ctx context.Context, ownerKey string, note Note) error
	Delete(ctx context.Context, ownerKey, noteID string) error
}

// storeKeepAlive is implemented by stores whose entries expire after an
// inactivity window and accept a liveness signal.
type storeKeepAlive interface {
	Touch(ctx context.Context, ownerKey string) error
}

type CreateNoteInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Private bool   `json:"isPrivate"`
}

type SessionOptions struct {
	Ephemeral Store
	Durable   Store
	Queue     OpQueue

	// AnonymousToken overrides TokenFile when set; otherwise the token is
	// loaded or minted at TokenFile.
	AnonymousToken string
	TokenFile      string
	// UserID is the authenticated identity; empty means anonymous.
	UserID string

	DebounceDelay    time.Duration
	RefreshInterval  time.Duration
	IdleThreshold    time.Duration
	LivenessInterval time.Duration

	DefaultNoteTitle   string
	DefaultNoteContent string

	// DisableBackground skips the refresh/liveness/watch goroutines;
	// tests drive the session explicitly.
	DisableBackground bool
	// WatchQueueFile refreshes the session when the offline queue's
	// backing file changes on disk (an external writer enqueued).
	WatchQueueFile bool

	Logger zerolog.Logger
	Now    func() time.Time
}

// Session reconciles the ephemeral and durable stores into one ordered
// in-memory note model, applies optimistic local edits before network
// confirmation, and replays queued mutations after an offline stretch.
// It is the single owner of the merged model; all mutation goes through
// its methods.
type Session struct {
	mu sync.RWMutex

	ephemeral Store
	durable   Store
	queue     OpQueue
	logger    zerolog.Logger
	now       func() time.Time

	debounceDelay    time.Duration
	refreshInterval  time.Duration
	idleThreshold    time.Duration
	livenessInterval time.Duration

	defaultTitle   string
	defaultContent string
	watchQueueFile bool
	background     bool

	token  string
	userID string

	state        SessionState
	online       bool
	notes        []Note
	newestID     string
	editing      map[string]struct{}
	savers       map[string]*AutoSaver
	lastActivity time.Time

	subscribers map[int]chan []Note
	nextSubID   int

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Ephemeral == nil || opts.Durable == nil {
		return nil, ErrInvalidInput
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewMemoryOpQueue()
	}
	token := strings.TrimSpace(opts.AnonymousToken)
	if token == "" {
		if strings.TrimSpace(opts.TokenFile) != "" {
			loaded, err := LoadOrCreateAnonymousToken(opts.TokenFile)
			if err != nil {
				opts.Logger.Warn().Err(err).Str("path", opts.TokenFile).
					Msg("anonymous token file unavailable, minting session-scoped token")
				loaded = uuid.NewString()
			}
			token = loaded
		} else {
			token = uuid.NewString()
		}
	}
	debounceDelay := opts.DebounceDelay
	if debounceDelay <= 0 {
		debounceDelay = DefaultAutoSaveDelay
	}
	refreshInterval := opts.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	idleThreshold := opts.IdleThreshold
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Second
	}
	livenessInterval := opts.LivenessInterval
	if livenessInterval <= 0 {
		livenessInterval = 30 * time.Second
	}
	defaultTitle := opts.DefaultNoteTitle
	if defaultTitle == "" {
		defaultTitle = "Untitled Note"
	}
	defaultContent := opts.DefaultNoteContent
	if defaultContent == "" {
		defaultContent = "<p></p>"
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Session{
		ephemeral:        opts.Ephemeral,
		durable:          opts.Durable,
		queue:            queue,
		logger:           opts.Logger,
		now:              nowFn,
		debounceDelay:    debounceDelay,
		refreshInterval:  refreshInterval,
		idleThreshold:    idleThreshold,
		livenessInterval: livenessInterval,
		defaultTitle:     defaultTitle,
		defaultContent:   defaultContent,
		watchQueueFile:   opts.WatchQueueFile,
		background:       !opts.DisableBackground,
		token:            token,
		userID:           strings.TrimSpace(opts.UserID),
		state:            StateUninitialized,
		online:           true,
		editing:          map[string]struct{}{},
		savers:           map[string]*AutoSaver{},
		subscribers:      map[int]chan []Note{},
		closed:           make(chan struct{}),
	}, nil
}

// Init bootstraps the session: read both stores concurrently
// (best-effort), merge, seed a default note into an empty set, normalize,
// publish, and start the background loops.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = StateInitializing
	s.lastActivity = s.now()
	s.mu.Unlock()

	ephemeralNotes, durableNotes := s.readBothStores(ctx)
	merged := s.mergeByRecency(ephemeralNotes, durableNotes)

	if len(merged) == 0 {
		seed := s.buildDefaultNote()
		if err := s.persistNote(ctx, seed); err != nil {
			s.logger.Warn().Err(err).Msg("seeding default note failed, keeping it local")
		}
		merged = []Note{seed}
	}
	normalized := Normalize(merged)

	s.mu.Lock()
	s.notes = normalized
	s.state = StateReady
	s.mu.Unlock()
	s.publish()

	if s.background {
		s.startBackground()
	}
	return nil
}

func (s *Session) buildDefaultNote() Note {
	source := SourceEphemeral
	if s.authenticated() {
		source = SourceDurable
	}
	ts := s.now().UnixMilli()
	return Note{
		ID:        uuid.NewString(),
		Source:    source,
		Title:     s.defaultTitle,
		Content:   s.defaultContent,
		Order:     0,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		savers := make([]*AutoSaver, 0, len(s.savers))
		for _, saver := range s.savers {
			savers = append(savers, saver)
		}
		subs := s.subscribers
		s.subscribers = map[int]chan []Note{}
		s.mu.Unlock()
		for _, saver := range savers {
			_ = saver.Flush(context.Background())
		}
		s.wg.Wait()
		for _, ch := range subs {
			close(ch)
		}
		_ = s.queue.Close()
	})
	return nil
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) AnonymousToken() string {
	return s.token
}

func (s *Session) authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID != ""
}

// ownerKeyFor resolves the store owner key for a note source. Durable
// notes require an authenticated identity.
func (s *Session) ownerKeyFor(source NoteSource) (string, error) {
	switch source {
	case SourceEphemeral:
		return s.token, nil
	case SourceDurable:
		s.mu.RLock()
		userID := s.userID
		s.mu.RUnlock()
		if userID == "" {
			return "", ErrInvalidState
		}
		return userID, nil
	default:
		return "", ErrInvalidInput
	}
}

func (s *Session) storeFor(source NoteSource) Store {
	if source == SourceDurable {
		return s.durable
	}
	return s.ephemeral
}

// Notes returns the merged view in render order. A just-created note is
// designated newest and sorts first until the next refresh settles it.
func (s *Session) Notes() []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SortForRender(s.notes, s.newestID)
}

func (s *Session) Get(id string) (Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return Note{}, ErrNotFound
}

// Subscribe registers for merged-view snapshots published after every
// model change. The returned cancel func drops the subscription.
func (s *Session) Subscribe() (<-chan []Note, func()) {
	ch := make(chan []Note, 1)
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) publish() {
	s.mu.RLock()
	snapshot := SortForRender(s.notes, s.newestID)
	channels := make([]chan []Note, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	for _, ch := range channels {
		select {
		case ch <- snapshot:
		default:
			// Slow subscriber: replace the stale pending snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (s *Session) markActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Create inserts a new note at the top of the visible list with the
// order-zero sentinel and persists it to its source store, queueing the
// write when offline or when the store rejects it.
func (s *Session) Create(ctx context.Context, input CreateNoteInput) (Note, error) {
	s.mu.Lock()
	if s.state == StateUninitialized || s.state == StateInitializing {
		s.mu.Unlock()
		return Note{}, ErrInvalidState
	}
	source := SourceEphemeral
	if s.userID != "" {
		source = SourceDurable
	}
	ts := s.now().UnixMilli()
	title := input.Title
	if strings.TrimSpace(title) == "" {
		title = s.defaultTitle
	}
	note := Note{
		ID:        uuid.NewString(),
		Source:    source,
		Title:     title,
		Content:   input.Content,
		Private:   input.Private,
		Order:     0,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	s.notes = append([]Note{note}, s.notes...)
	s.newestID = note.ID
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.publish()

	s.persistOrQueue(ctx, note, OpCreate)
	return note, nil
}

// UpdateContent applies the edit optimistically and debounces
// persistence through the note's auto-saver.
func (s *Session) UpdateContent(id, content string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.notes[idx].Content = content
	s.notes[idx].UpdatedAt = s.now().UnixMilli()
	s.lastActivity = s.now()
	saver := s.saverLocked(id)
	s.mu.Unlock()
	s.publish()

	saver.Debounce(content)
	return nil
}

func (s *Session) saverLocked(id string) *AutoSaver {
	saver, ok := s.savers[id]
	if !ok {
		saver = NewAutoSaver(s.debounceDelay, func(ctx context.Context, content string) error {
			return s.saveContent(ctx, id, content)
		})
		s.savers[id] = saver
	}
	return saver
}

// saveContent is the auto-saver callback: persist the note's current
// snapshot carrying content, or queue it when offline.
func (s *Session) saveContent(ctx context.Context, id, content string) error {
	s.mu.RLock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.RUnlock()
		// Deleted mid-edit; nothing to persist.
		return nil
	}
	note := s.notes[idx]
	online := s.online
	s.mu.RUnlock()
	note.Content = content

	if !online {
		return s.enqueueOp(OpUpdate, note)
	}
	if err := s.persistNote(ctx, note); err != nil {
		s.logger.Warn().Err(err).Str("note", id).Msg("content save failed, keeping local edit")
		return err
	}
	return nil
}

// UpdateTitle renames a note. An empty title is rejected before any
// network call.
func (s *Session) UpdateTitle(ctx context.Context, id, title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrInvalidInput
	}
	note, err := s.applyLocal(id, func(n *Note) { n.Title = title })
	if err != nil {
		return err
	}
	s.persistOrQueue(ctx, note, OpUpdateTitle)
	return nil
}

// SetPinned toggles the pin flag and renumbers through normalization so
// the note lands in its new pin-class without colliding ranks.
func (s *Session) SetPinned(ctx context.Context, id string, pinned bool) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.notes[idx].Pinned = pinned
	s.notes[idx].UpdatedAt = s.now().UnixMilli()
	s.notes = Normalize(s.notes)
	idx = s.indexLocked(id)
	note := s.notes[idx]
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.publish()

	s.persistOrQueue(ctx, note, OpUpdatePin)
	return nil
}

func (s *Session) SetPrivate(ctx context.Context, id string, private bool) error {
	note, err := s.applyLocal(id, func(n *Note) { n.Private = private })
	if err != nil {
		return err
	}
	s.persistOrQueue(ctx, note, OpUpdatePrivacy)
	return nil
}

// Reorder swaps the note with its neighbor inside its pin-class and
// persists every note whose rank changed.
func (s *Session) Reorder(ctx context.Context, id string, dir MoveDirection) error {
	s.mu.Lock()
	before := make(map[string]int, len(s.notes))
	for _, n := range s.notes {
		before[n.ID] = n.Order
	}
	updated, changed, err := Reorder(s.notes, id, dir)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.notes = updated
	s.newestID = ""
	s.lastActivity = s.now()
	var dirty []Note
	if changed {
		for _, n := range s.notes {
			if before[n.ID] != n.Order {
				dirty = append(dirty, n)
			}
		}
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	s.publish()

	for _, n := range dirty {
		s.persistOrQueue(ctx, n, OpUpdate)
	}
	return nil
}

// Delete removes a note from its backing store and the local model. A
// failed remote delete leaves the note in its prior state; when offline
// the removal is optimistic and queued.
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.RUnlock()
		return ErrNotFound
	}
	note := s.notes[idx]
	online := s.online
	saver := s.savers[id]
	s.mu.RUnlock()

	if online {
		ownerKey, err := s.ownerKeyFor(note.Source)
		if err != nil {
			return err
		}
		if err := s.storeFor(note.Source).Delete(ctx, ownerKey, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	} else {
		if err := s.enqueueOp(OpDelete, note); err != nil {
			return err
		}
	}

	if saver != nil {
		saver.Cancel()
	}
	s.mu.Lock()
	if idx := s.indexLocked(id); idx >= 0 {
		s.notes = append(s.notes[:idx], s.notes[idx+1:]...)
	}
	delete(s.savers, id)
	delete(s.editing, id)
	if s.newestID == id {
		s.newestID = ""
	}
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.publish()
	return nil
}

// Transfer moves a note between stores: create in the destination,
// confirm, delete from the source, then flip Source exactly once. A
// failed delete after a confirmed create leaves a duplicate that the
// next refresh resolves by recency.
func (s *Session) Transfer(ctx context.Context, id string, target NoteSource) error {
	if target != SourceEphemeral && target != SourceDurable {
		return ErrInvalidInput
	}
	s.mu.RLock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.RUnlock()
		return ErrNotFound
	}
	note := s.notes[idx]
	online := s.online
	s.mu.RUnlock()
	if note.Source == target {
		return nil
	}
	if !online {
		return ErrOffline
	}

	destKey, err := s.ownerKeyFor(target)
	if err != nil {
		return err
	}
	moved := note
	moved.Source = target
	moved.UpdatedAt = s.now().UnixMilli()
	if err := s.storeFor(target).Write(ctx, destKey, moved); err != nil {
		return err
	}

	srcKey, err := s.ownerKeyFor(note.Source)
	if err == nil {
		if delErr := s.storeFor(note.Source).Delete(ctx, srcKey, id); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			s.logger.Warn().Err(delErr).Str("note", id).
				Msg("source delete failed after transfer, duplicate resolves on next refresh")
		}
	}

	s.mu.Lock()
	if idx := s.indexLocked(id); idx >= 0 {
		s.notes[idx] = moved
	}
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.publish()
	return nil
}

// RegisterEditing marks a note as actively edited so Refresh will not
// clobber its optimistic local state with a stale remote read.
func (s *Session) RegisterEditing(id string) {
	s.mu.Lock()
	s.editing[id] = struct{}{}
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) UnregisterEditing(id string) {
	s.mu.Lock()
	delete(s.editing, id)
	s.mu.Unlock()
}

// Flush forces the note's pending debounced content out immediately.
func (s *Session) Flush(ctx context.Context, id string) error {
	s.mu.RLock()
	saver := s.savers[id]
	s.mu.RUnlock()
	if saver == nil {
		return nil
	}
	return saver.Flush(ctx)
}

// SetAuthenticated switches the durable identity (login when userID is
// non-empty, logout when empty) and refreshes the merged view.
func (s *Session) SetAuthenticated(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	if s.userID == userID {
		s.mu.Unlock()
		return nil
	}
	s.userID = userID
	ready := s.state == StateReady
	s.mu.Unlock()
	if !ready {
		return nil
	}
	return s.RefreshAll(ctx)
}

// SetOnline flips connectivity. A transition back online replays the
// offline queue and then refreshes.
func (s *Session) SetOnline(ctx context.Context, online bool) error {
	s.mu.Lock()
	was := s.online
	s.online = online
	ready := s.state == StateReady
	s.mu.Unlock()
	if !was && online && ready {
		if err := s.ReplayPending(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("offline replay finished with failures")
		}
		return s.RefreshAll(ctx)
	}
	return nil
}

func (s *Session) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// ReplayPending applies queued mutations in timestamp order. A failure
// blocks only later entries for the same note; entries for other notes
// continue. An op whose snapshot is older than the note's current local
// state has been superseded by a later successful write and is dropped
// instead of replayed, so a stale entry left behind by a failed online
// write cannot clobber newer confirmed state.
func (s *Session) ReplayPending(ctx context.Context) error {
	ops := s.queue.List()
	failed := map[string]bool{}
	var firstErr error
	for _, op := range ops {
		if failed[op.NoteID] {
			continue
		}
		if s.opSuperseded(op) {
			if err := s.queue.Remove(op.ID); err != nil && !errors.Is(err, ErrNotFound) {
				s.logger.Warn().Err(err).Str("op", op.ID).Msg("removing superseded operation failed")
			}
			continue
		}
		if err := s.applyOp(ctx, op); err != nil {
			failed[op.NoteID] = true
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn().Err(err).Str("note", op.NoteID).Str("type", string(op.Type)).
				Msg("replay of queued operation failed")
			continue
		}
		if err := s.queue.Remove(op.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("op", op.ID).Msg("removing replayed operation failed")
		}
	}
	return firstErr
}

// opSuperseded reports whether a queued mutation carries an older
// snapshot than the note's current local state. Deletes are never
// superseded; the note's absence from the model does not date them.
func (s *Session) opSuperseded(op PendingOp) bool {
	if op.Type == OpDelete {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(op.NoteID)
	if idx < 0 {
		return false
	}
	return s.notes[idx].UpdatedAt > op.Note.UpdatedAt
}

func (s *Session) applyOp(ctx context.Context, op PendingOp) error {
	ownerKey, err := s.ownerKeyFor(op.Note.Source)
	if err != nil {
		return err
	}
	store := s.storeFor(op.Note.Source)
	if op.Type == OpDelete {
		err := store.Delete(ctx, ownerKey, op.NoteID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return store.Write(ctx, ownerKey, op.Note)
}

// RefreshAll re-reads both stores, merges, and reconciles with local
// state, skipping notes under active local mutation.
func (s *Session) RefreshAll(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = StateRefreshing
	s.mu.Unlock()
	err := s.refresh(ctx)
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	ephemeralNotes, durableNotes := s.readBothStores(ctx)
	merged := s.mergeByRecency(ephemeralNotes, durableNotes)

	queuedNotes := map[string]struct{}{}
	for _, op := range s.queue.List() {
		queuedNotes[op.NoteID] = struct{}{}
	}

	s.mu.Lock()
	skip := map[string]struct{}{}
	for id := range s.editing {
		skip[id] = struct{}{}
	}
	for id, saver := range s.savers {
		if saver.Busy() {
			skip[id] = struct{}{}
		}
	}
	local := map[string]Note{}
	for _, n := range s.notes {
		local[n.ID] = n
	}

	next := make([]Note, 0, len(merged)+len(skip))
	seen := map[string]struct{}{}
	for _, remote := range merged {
		if localNote, ok := local[remote.ID]; ok {
			if _, skipped := skip[remote.ID]; skipped {
				next = append(next, localNote)
				seen[remote.ID] = struct{}{}
				continue
			}
		}
		next = append(next, remote)
		seen[remote.ID] = struct{}{}
	}
	// Keep local notes the remotes do not know about yet: actively edited
	// ones and those whose create/update is still queued for replay.
	for _, n := range s.notes {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		_, skipped := skip[n.ID]
		_, queued := queuedNotes[n.ID]
		if skipped || queued {
			next = append(next, n)
		}
	}
	s.notes = Normalize(next)
	s.newestID = ""
	s.mu.Unlock()
	s.publish()
	return nil
}

// readBothStores reads the two stores concurrently. A failed read yields
// an empty result for that store, except that the current local notes of
// the failing source are retained so a flaky store cannot wipe the model.
func (s *Session) readBothStores(ctx context.Context) (ephemeralNotes, durableNotes []Note) {
	var wg sync.WaitGroup
	var ephemeralErr, durableErr error

	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ephemeralNotes, ephemeralErr = s.ephemeral.ReadAll(ctx, s.token)
	}()

	if userID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			durableNotes, durableErr = s.durable.ReadAll(ctx, userID)
		}()
	}
	wg.Wait()

	if ephemeralErr != nil {
		s.logger.Warn().Err(ephemeralErr).Msg("ephemeral read failed, retaining local copies")
		ephemeralNotes = s.localNotesOf(SourceEphemeral)
	}
	if durableErr != nil {
		s.logger.Warn().Err(durableErr).Msg("durable read failed, retaining local copies")
		durableNotes = s.localNotesOf(SourceDurable)
	}
	return ephemeralNotes, durableNotes
}

func (s *Session) localNotesOf(source NoteSource) []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Note
	for _, n := range s.notes {
		if n.Source == source {
			out = append(out, n)
		}
	}
	return out
}

// mergeByRecency deduplicates by id across the two reads, preferring the
// most recently updated copy. A duplicate is a data-hygiene signal, not
// an error.
func (s *Session) mergeByRecency(ephemeralNotes, durableNotes []Note) []Note {
	byID := map[string]Note{}
	order := make([]string, 0, len(ephemeralNotes)+len(durableNotes))
	for _, n := range append(append([]Note{}, ephemeralNotes...), durableNotes...) {
		existing, ok := byID[n.ID]
		if !ok {
			byID[n.ID] = n
			order = append(order, n.ID)
			continue
		}
		s.logger.Info().Str("note", n.ID).Str("kept", string(existing.Source)).
			Msg("note present in both stores, resolving by recency")
		if n.UpdatedAt > existing.UpdatedAt {
			byID[n.ID] = n
		}
	}
	out := make([]Note, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// persistOrQueue writes the note to its source store when online,
// otherwise queues it; a failed online write is also queued so the next
// replay retries it, and the optimistic local edit stays intact either
// way.
func (s *Session) persistOrQueue(ctx context.Context, note Note, opType OpType) {
	s.mu.RLock()
	online := s.online
	s.mu.RUnlock()
	if online {
		err := s.persistNote(ctx, note)
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Str("note", note.ID).Msg("store write failed, queueing for replay")
	}
	if err := s.enqueueOp(opType, note); err != nil {
		s.logger.Error().Err(err).Str("note", note.ID).Msg("queueing offline operation failed")
	}
}

func (s *Session) persistNote(ctx context.Context, note Note) error {
	ownerKey, err := s.ownerKeyFor(note.Source)
	if err != nil {
		return err
	}
	return s.storeFor(note.Source).Write(ctx, ownerKey, note)
}

func (s *Session) enqueueOp(opType OpType, note Note) error {
	return s.queue.Enqueue(PendingOp{
		ID:        uuid.NewString(),
		Type:      opType,
		NoteID:    note.ID,
		Note:      note,
		Timestamp: s.now().UnixMilli(),
	})
}

func (s *Session) indexLocked(id string) int {
	for i := range s.notes {
		if s.notes[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) applyLocal(id string, mutate func(*Note)) (Note, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return Note{}, ErrNotFound
	}
	mutate(&s.notes[idx])
	s.notes[idx].UpdatedAt = s.now().UnixMilli()
	note := s.notes[idx]
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.publish()
	return note, nil
}

func (s *Session) startBackground() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.refreshLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.livenessLoop()
	}()
	if s.watchQueueFile {
		if provider, ok := s.queue.(queuePathProvider); ok {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.watchQueue(provider.Path())
			}()
		}
	}
}

// refreshLoop periodically refreshes, but only once the user has been
// idle past the threshold, so active typing is never raced by a merge.
func (s *Session) refreshLoop() {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.RLock()
			idle := s.now().Sub(s.lastActivity)
			ready := s.state == StateReady
			online := s.online
			s.mu.RUnlock()
			if !ready || !online || idle < s.idleThreshold {
				continue
			}
			if err := s.RefreshAll(context.Background()); err != nil && !errors.Is(err, ErrInvalidState) {
				s.logger.Warn().Err(err).Msg("periodic refresh failed")
			}
		}
	}
}

// livenessLoop keeps the ephemeral store's entry alive while the user is
// active. Once interaction stops the signal stops too, so abandoned
// anonymous data expires on the store's schedule.
func (s *Session) livenessLoop() {
	keepAlive, ok := s.ephemeral.(storeKeepAlive)
	if !ok {
		return
	}
	ticker := time.NewTicker(s.livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.RLock()
			idle := s.now().Sub(s.lastActivity)
			online := s.online
			s.mu.RUnlock()
			if !online || idle >= s.idleThreshold {
				continue
			}
			if err := keepAlive.Touch(context.Background(), s.token); err != nil {
				s.logger.Warn().Err(err).Msg("liveness signal failed")
			}
		}
	}
}

// watchQueue refreshes when the queue's backing file changes on disk,
// so an external writer's enqueues become visible without waiting for
// the interval timer.
func (s *Session) watchQueue(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue file watcher unavailable")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("watching queue file failed")
		return
	}
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.RefreshAll(context.Background()); err != nil && !errors.Is(err, ErrInvalidState) {
				s.logger.Warn().Err(err).Msg("queue-triggered refresh failed")
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(watchErr).Msg("queue file watcher error")
		}
	}
}
