// Package stack implements the snapshot repository backend: a local
// revision log over a content-addressed store, doubling as the diff source
// the view core fetches from.
package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"diffview/internal/storage"
	"diffview/shared/types"
	"diffview/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DotDir is the repository metadata directory at the stack root.
	DotDir = ".dv"

	// RepositoryType tags stacks in the repository registry.
	RepositoryType = "snapshot"

	defaultDebounceInterval = 200 * time.Millisecond
)

var ignoreDirs = map[string]bool{
	DotDir:         true,
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

var ErrNoCommits = errors.New("stack has no commits")

// Snapshot is one entry in the revision log: a message plus the full
// path-to-content-hash map of the working tree at commit time.
type Snapshot struct {
	ID        string            `json:"id"`
	Seq       int               `json:"seq"`
	Hash      string            `json:"hash"`
	Message   string            `json:"message"`
	Bookmarks []string          `json:"bookmarks,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Files     map[string]string `json:"files"`
}

func (s *Snapshot) GetID() string { return s.ID }

// headRecord points at the snapshot the working copy descends from.
type headRecord struct {
	SnapshotID string `json:"snapshot_id"`
}

func (headRecord) GetID() string { return "head" }

// Stack is a snapshot repository rooted at a directory. It implements both
// the repository write primitives and the diff-source read side.
type Stack struct {
	root      string
	db        *badger.DB
	ownsDB    bool
	contents  *ContentStore
	snapshots *storage.BadgerStore
	refs      *storage.BadgerStore
	logger    *zap.Logger

	mu        sync.Mutex
	option    shared.DiffOption
	compareID int
	revisions *shared.RevisionsState

	obsMu       sync.Mutex
	dirtyObs    map[string]func()
	selectedObs map[string]func()
	revisionObs map[string]func()

	watchMu          sync.Mutex
	watcher          *fsnotify.Watcher
	debounce         *time.Timer
	debounceInterval time.Duration
}

// FindRoot walks upward from startDir looking for the stack metadata
// directory.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, DotDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no stack found above %s", startDir)
}

// Init creates the metadata directory for a new stack at root and opens it.
func Init(root string, logger *zap.Logger) (*Stack, error) {
	if err := os.MkdirAll(filepath.Join(root, DotDir), 0755); err != nil {
		return nil, fmt.Errorf("creating stack directory: %w", err)
	}
	return Open(root, logger)
}

// Open opens the stack rooted at root. The root must contain the metadata
// directory; use Init for a fresh directory.
func Open(root string, logger *zap.Logger) (*Stack, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(abs, DotDir)); err != nil {
		return nil, fmt.Errorf("opening stack at %s: %w", abs, err)
	}

	opts := badger.DefaultOptions(filepath.Join(abs, DotDir, "db"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening stack database: %w", err)
	}

	s, err := NewWithDB(abs, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewWithDB builds a stack over an externally owned badger handle. Used by
// tests with in-memory databases.
func NewWithDB(root string, db *badger.DB, logger *zap.Logger) (*Stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	contents, err := NewContentStore(db, filepath.Join(root, DotDir, "content"))
	if err != nil {
		return nil, err
	}
	return &Stack{
		root:             root,
		db:               db,
		contents:         contents,
		snapshots:        storage.NewBadgerStore(db, "snapshot"),
		refs:             storage.NewBadgerStore(db, "ref"),
		logger:           logger.With(zap.String("root", root)),
		option:           shared.DiffOptionDirty,
		debounceInterval: defaultDebounceInterval,
		dirtyObs:         map[string]func(){},
		selectedObs:      map[string]func(){},
		revisionObs:      map[string]func(){},
	}, nil
}

func (s *Stack) Type() string        { return RepositoryType }
func (s *Stack) ProjectRoot() string { return s.root }

// DB exposes the stack's metadata database so co-located services (the
// local review service) can share it.
func (s *Stack) DB() *badger.DB { return s.db }

// HeadCommitMessage returns the head snapshot's message.
func (s *Stack) HeadCommitMessage(ctx context.Context) (string, error) {
	head, err := s.headSnapshot()
	if err != nil {
		return "", err
	}
	return head.Message, nil
}

// Commit records a new snapshot of the working tree.
func (s *Stack) Commit(ctx context.Context, message string, progress shared.ProgressFunc) error {
	files, err := s.storeWorkingTree(ctx, progress)
	if err != nil {
		return err
	}

	seq, err := s.snapshots.NextSequence("snapshot")
	if err != nil {
		return fmt.Errorf("allocating snapshot number: %w", err)
	}

	parentHash := ""
	if head, err := s.headSnapshot(); err == nil {
		parentHash = head.Hash
	}

	snap := &Snapshot{
		ID:        uuid.NewString(),
		Seq:       int(seq) + 1,
		Message:   message,
		CreatedAt: time.Now(),
		Files:     files,
	}
	snap.Hash = snapshotHash(snap, parentHash)

	if err := s.snapshots.Create(snap); err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	if err := s.setHead(snap.ID); err != nil {
		return err
	}

	emit(progress, "log", fmt.Sprintf("committed snapshot %d (%d files)", snap.Seq, len(files)))
	s.logger.Info("snapshot committed",
		zap.Int("seq", snap.Seq),
		zap.Int("files", len(files)))

	s.RefreshRevisionsState()
	s.notify(s.dirtyObs)
	s.notify(s.selectedObs)
	return nil
}

// Amend rewrites the head snapshot in place with the current working tree
// and a new message. The snapshot keeps its sequence number.
func (s *Stack) Amend(ctx context.Context, message string, progress shared.ProgressFunc) error {
	head, err := s.headSnapshot()
	if err != nil {
		return err
	}

	files, err := s.storeWorkingTree(ctx, progress)
	if err != nil {
		return err
	}

	head.Message = message
	head.Files = files
	head.Hash = snapshotHash(head, "")

	if err := s.snapshots.Update(head); err != nil {
		return fmt.Errorf("amending snapshot: %w", err)
	}

	emit(progress, "log", fmt.Sprintf("amended snapshot %d (%d files)", head.Seq, len(files)))
	s.logger.Info("snapshot amended", zap.Int("seq", head.Seq))

	s.RefreshRevisionsState()
	s.notify(s.dirtyObs)
	s.notify(s.selectedObs)
	return nil
}

// AddBookmark attaches a bookmark name to the head snapshot.
func (s *Stack) AddBookmark(name string) error {
	head, err := s.headSnapshot()
	if err != nil {
		return err
	}
	for _, b := range head.Bookmarks {
		if b == name {
			return nil
		}
	}
	head.Bookmarks = append(head.Bookmarks, name)
	if err := s.snapshots.Update(head); err != nil {
		return fmt.Errorf("saving bookmark: %w", err)
	}
	s.RefreshRevisionsState()
	return nil
}

// FetchFileDiff returns the committed contents of path per the current diff
// option. A file absent from the comparison snapshot yields empty committed
// contents.
func (s *Stack) FetchFileDiff(ctx context.Context, path string) (*shared.FileDiff, error) {
	snap, err := s.comparisonSnapshot()
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return nil, fmt.Errorf("resolving path %s: %w", path, err)
	}

	diff := &shared.FileDiff{RevisionInfo: revisionInfo(snap)}
	hash, ok := snap.Files[rel]
	if !ok {
		return diff, nil
	}
	content, err := s.contents.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("loading committed contents of %s: %w", rel, err)
	}
	diff.CommittedContents = string(content)
	return diff, nil
}

// DirtyFileChanges compares the working tree against the head snapshot.
func (s *Stack) DirtyFileChanges() map[string]shared.FileChangeStatus {
	head, err := s.headSnapshot()
	if err != nil {
		head = &Snapshot{Files: map[string]string{}}
	}

	changes := map[string]shared.FileChangeStatus{}
	onDisk := map[string]bool{}

	err = s.walkWorkingTree(func(rel string, content []byte) error {
		onDisk[rel] = true
		committed, tracked := head.Files[rel]
		switch {
		case !tracked:
			changes[filepath.Join(s.root, rel)] = shared.StatusUntracked
		case committed != utils.HashContent(content):
			changes[filepath.Join(s.root, rel)] = shared.StatusModified
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("walking working tree", zap.Error(err))
		return changes
	}

	for rel := range head.Files {
		if !onDisk[rel] {
			changes[filepath.Join(s.root, rel)] = shared.StatusMissing
		}
	}
	return changes
}

// SelectedFileChanges reflects the active comparison: the dirty set when
// diffing against the head, or the snapshot-to-snapshot delta when a compare
// revision is selected.
func (s *Stack) SelectedFileChanges() map[string]shared.FileChangeStatus {
	s.mu.Lock()
	option := s.option
	s.mu.Unlock()

	if option == shared.DiffOptionDirty {
		return s.DirtyFileChanges()
	}

	head, err := s.headSnapshot()
	if err != nil {
		return map[string]shared.FileChangeStatus{}
	}
	base, err := s.comparisonSnapshot()
	if err != nil {
		return map[string]shared.FileChangeStatus{}
	}

	changes := map[string]shared.FileChangeStatus{}
	for rel, hash := range head.Files {
		baseHash, ok := base.Files[rel]
		switch {
		case !ok:
			changes[filepath.Join(s.root, rel)] = shared.StatusAdded
		case baseHash != hash:
			changes[filepath.Join(s.root, rel)] = shared.StatusModified
		}
	}
	for rel := range base.Files {
		if _, ok := head.Files[rel]; !ok {
			changes[filepath.Join(s.root, rel)] = shared.StatusRemoved
		}
	}
	return changes
}

func (s *Stack) SetDiffOption(option shared.DiffOption) {
	s.mu.Lock()
	changed := s.option != option
	s.option = option
	s.mu.Unlock()
	if changed {
		s.notify(s.selectedObs)
	}
}

// SetCompareRevision selects the browse-mode comparison basis by revision
// ID (snapshot sequence number).
func (s *Stack) SetCompareRevision(ctx context.Context, revision shared.RevisionInfo) error {
	if _, err := s.snapshotBySeq(revision.ID); err != nil {
		return err
	}
	s.mu.Lock()
	s.compareID = revision.ID
	if s.revisions != nil {
		rs := *s.revisions
		rs.CompareID = revision.ID
		s.revisions = &rs
	}
	s.mu.Unlock()
	s.notify(s.selectedObs)
	return nil
}

// CachedRevisionsState returns the last loaded revision history, loading it
// on first use.
func (s *Stack) CachedRevisionsState(ctx context.Context) (*shared.RevisionsState, error) {
	s.mu.Lock()
	cached := s.revisions
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return s.loadRevisionsState()
}

// RefreshRevisionsState reloads the revision history and notifies
// observers.
func (s *Stack) RefreshRevisionsState() {
	if _, err := s.loadRevisionsState(); err != nil {
		s.logger.Warn("refreshing revisions", zap.Error(err))
		return
	}
	s.notify(s.revisionObs)
}

func (s *Stack) loadRevisionsState() (*shared.RevisionsState, error) {
	var snaps []*Snapshot
	if err := s.snapshots.List(&snaps); err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Seq > snaps[j].Seq })

	revisions := make([]shared.RevisionInfo, 0, len(snaps))
	for _, snap := range snaps {
		revisions = append(revisions, revisionInfo(snap))
	}

	s.mu.Lock()
	rs := &shared.RevisionsState{Revisions: revisions, CompareID: s.compareID}
	s.revisions = rs
	s.mu.Unlock()
	return rs, nil
}

func (s *Stack) OnDirtyChangesUpdated(fn func()) shared.Disposable {
	return s.addObserver(s.dirtyObs, fn)
}

func (s *Stack) OnSelectedChangesUpdated(fn func()) shared.Disposable {
	return s.addObserver(s.selectedObs, fn)
}

func (s *Stack) OnRevisionsChanged(fn func()) shared.Disposable {
	return s.addObserver(s.revisionObs, fn)
}

func (s *Stack) addObserver(set map[string]func(), fn func()) shared.Disposable {
	id := uuid.NewString()
	s.obsMu.Lock()
	set[id] = fn
	s.obsMu.Unlock()
	return shared.DisposeFunc(func() {
		s.obsMu.Lock()
		delete(set, id)
		s.obsMu.Unlock()
	})
}

func (s *Stack) notify(set map[string]func()) {
	s.obsMu.Lock()
	fns := make([]func(), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Activate starts watching the working tree; quiet periods after bursts of
// filesystem events re-announce the dirty set.
func (s *Stack) Activate() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("creating file watcher", zap.Error(err))
		return
	}
	s.watcher = watcher

	err = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if shouldIgnore(path, s.root) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		s.logger.Error("watching working tree", zap.Error(err))
	}

	go s.watchLoop(watcher)
}

func (s *Stack) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (s *Stack) handleFSEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if shouldIgnore(event.Name, s.root) {
		return
	}
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				s.logger.Error("watching new directory", zap.Error(err))
			}
		}
	}

	s.watchMu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.debounceInterval, func() {
		s.notify(s.dirtyObs)
		s.notify(s.selectedObs)
	})
	s.watchMu.Unlock()
}

// SetDebounceInterval overrides how long the working tree must stay quiet
// after filesystem events before observers are notified. Non-positive
// durations are ignored.
func (s *Stack) SetDebounceInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.watchMu.Lock()
	s.debounceInterval = d
	s.watchMu.Unlock()
}

// Deactivate stops the working-tree watcher.
func (s *Stack) Deactivate() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

// Dispose releases the stack's resources. An externally owned database is
// left open.
func (s *Stack) Dispose() {
	s.Deactivate()
	s.contents.Close()
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			s.logger.Error("closing stack database", zap.Error(err))
		}
	}
}

func (s *Stack) headSnapshot() (*Snapshot, error) {
	var head headRecord
	if err := s.refs.Get("head", &head); err != nil {
		return nil, ErrNoCommits
	}
	var snap Snapshot
	if err := s.snapshots.Get(head.SnapshotID, &snap); err != nil {
		return nil, fmt.Errorf("loading head snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Stack) setHead(snapshotID string) error {
	rec := &headRecord{SnapshotID: snapshotID}
	if err := s.refs.Update(rec); err != nil {
		if err := s.refs.Create(rec); err != nil {
			return fmt.Errorf("recording head: %w", err)
		}
	}
	return nil
}

// comparisonSnapshot resolves the snapshot the current diff option compares
// against: the head, or the selected compare revision in browse mode.
func (s *Stack) comparisonSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	option := s.option
	compareID := s.compareID
	s.mu.Unlock()

	if option == shared.DiffOptionCompareRevision && compareID != 0 {
		return s.snapshotBySeq(compareID)
	}
	return s.headSnapshot()
}

func (s *Stack) snapshotBySeq(seq int) (*Snapshot, error) {
	var snaps []*Snapshot
	if err := s.snapshots.List(&snaps); err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.Seq == seq {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("no snapshot with revision id %d", seq)
}

// storeWorkingTree walks the working tree, stores every file's contents,
// and returns the path-to-hash map for a new snapshot.
func (s *Stack) storeWorkingTree(ctx context.Context, progress shared.ProgressFunc) (map[string]string, error) {
	files := map[string]string{}
	err := s.walkWorkingTree(func(rel string, content []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := s.contents.Store(content)
		if err != nil {
			return fmt.Errorf("storing %s: %w", rel, err)
		}
		files[rel] = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	emit(progress, "log", fmt.Sprintf("stored %d files", len(files)))
	return files, nil
}

func (s *Stack) walkWorkingTree(fn func(rel string, content []byte) error) error {
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if shouldIgnore(path, s.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if shouldIgnore(path, s.root) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		return fn(rel, content)
	})
}

func shouldIgnore(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoreDirs[part] {
			return true
		}
	}
	return false
}

func revisionInfo(snap *Snapshot) shared.RevisionInfo {
	title := snap.Message
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return shared.RevisionInfo{
		ID:        snap.Seq,
		Hash:      snap.Hash,
		Title:     title,
		Bookmarks: snap.Bookmarks,
		Date:      snap.CreatedAt,
	}
}

func snapshotHash(snap *Snapshot, parentHash string) string {
	payload, _ := json.Marshal(struct {
		Message string            `json:"message"`
		Files   map[string]string `json:"files"`
		Parent  string            `json:"parent"`
		Seq     int               `json:"seq"`
	}{snap.Message, snap.Files, parentHash, snap.Seq})
	return utils.HashContent(payload)
}

func emit(progress shared.ProgressFunc, level, text string) {
	if progress != nil {
		progress(shared.ProgressMessage{Level: level, Text: text})
	}
}
