// Package registry tracks one diff source per open repository and
// designates exactly one as active.
package registry

import (
	"fmt"
	"sync"

	"diffview/internal/errors"
	"diffview/shared/types"
	"diffview/shared/utils"

	"go.uber.org/zap"
)

// SourceFactory builds a diff source for a repository, configured with the
// diff option implied by the current view mode.
type SourceFactory func(repo shared.Repository, option shared.DiffOption) shared.DiffSource

// Hooks receive the forwarded change notifications of every tracked source.
type Hooks struct {
	DirtyChangesUpdated    func()
	SelectedChangesUpdated func()
	RevisionsChanged       func()
}

type entry struct {
	repo   shared.Repository
	source shared.DiffSource
	subs   []shared.Disposable
}

// Registry owns the diff-source lifecycle for all qualifying repositories.
type Registry struct {
	repoType string
	factory  SourceFactory
	hooks    Hooks
	logger   *zap.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	order      []string // enumeration order, for deterministic activation
	activeRoot string
	activated  bool
}

func New(repoType string, factory SourceFactory, hooks Hooks, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repoType: repoType,
		factory:  factory,
		hooks:    hooks,
		logger:   logger,
		entries:  map[string]*entry{},
	}
}

// Reconcile synchronizes the tracked set with the host's open repositories.
// It returns the surviving root set so the caller can detect whether the
// open file's repository disappeared.
func (r *Registry) Reconcile(repos []shared.Repository, option shared.DiffOption) map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	qualifying := map[string]shared.Repository{}
	for _, repo := range repos {
		if repo.Type() == r.repoType {
			qualifying[repo.ProjectRoot()] = repo
		}
	}

	// Drop entries whose repository is gone.
	kept := r.order[:0]
	for _, root := range r.order {
		if _, ok := qualifying[root]; ok {
			kept = append(kept, root)
			continue
		}
		e := r.entries[root]
		if r.activeRoot == root {
			r.activeRoot = ""
		}
		for _, sub := range e.subs {
			sub.Dispose()
		}
		e.source.Dispose()
		delete(r.entries, root)
		r.logger.Info("repository removed", zap.String("root", root))
	}
	r.order = kept

	// Track newly discovered repositories.
	for _, repo := range repos {
		root := repo.ProjectRoot()
		if _, ok := qualifying[root]; !ok {
			continue
		}
		if _, ok := r.entries[root]; ok {
			continue
		}
		source := r.factory(repo, option)
		e := &entry{
			repo:   repo,
			source: source,
			subs: []shared.Disposable{
				source.OnDirtyChangesUpdated(func() { r.fire(r.hooks.DirtyChangesUpdated) }),
				source.OnSelectedChangesUpdated(func() { r.fire(r.hooks.SelectedChangesUpdated) }),
				source.OnRevisionsChanged(func() { r.fire(r.hooks.RevisionsChanged) }),
			},
		}
		r.entries[root] = e
		r.order = append(r.order, root)
		if r.activated {
			source.Activate()
		}
		r.logger.Info("repository tracked", zap.String("root", root))
	}

	// Guarantee an active entry whenever any entry exists.
	if r.activeRoot == "" && len(r.order) > 0 {
		r.activeRoot = r.order[0]
		r.logger.Debug("active repository defaulted", zap.String("root", r.activeRoot))
	}

	roots := make(map[string]bool, len(r.order))
	for _, root := range r.order {
		roots[root] = true
	}
	return roots
}

func (r *Registry) fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// SetActiveRoot designates the entry owning root as active. The root must
// already be tracked.
func (r *Registry) SetActiveRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[root]; !ok {
		return errors.Preconditionf("repository %s is not tracked", root)
	}
	r.activeRoot = root
	return nil
}

// ActiveRepository returns the active entry's repository, if any.
func (r *Registry) ActiveRepository() (shared.Repository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[r.activeRoot]; ok {
		return e.repo, true
	}
	return nil, false
}

// ActiveSource returns the active entry's diff source, if any.
func (r *Registry) ActiveSource() (shared.DiffSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[r.activeRoot]; ok {
		return e.source, true
	}
	return nil, false
}

// ActiveRoot returns the active repository root, if any.
func (r *Registry) ActiveRoot() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeRoot == "" {
		return "", false
	}
	return r.activeRoot, true
}

// SourceForRepository resolves a tracked repository root to its diff
// source. Calling it for an untracked root is a programming error: the
// caller was required to check membership beforehand.
func (r *Registry) SourceForRepository(root string) shared.DiffSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[root]
	if !ok {
		r.logger.Error("no diff source for repository", zap.String("root", root))
		panic(fmt.Sprintf("registry: no diff source for repository %s", root))
	}
	return e.source
}

// EntryForPath resolves the repository owning path.
func (r *Registry) EntryForPath(path string) (root string, source shared.DiffSource, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, candidate := range r.order {
		if utils.PathUnder(path, candidate) {
			return candidate, r.entries[candidate].source, true
		}
	}
	return "", nil, false
}

// DirtyUnion aggregates every tracked source's dirty-change map.
func (r *Registry) DirtyUnion() map[string]shared.FileChangeStatus {
	sources := r.snapshotSources()
	maps := make([]map[string]shared.FileChangeStatus, 0, len(sources))
	for _, s := range sources {
		maps = append(maps, s.DirtyFileChanges())
	}
	return utils.UnionChangeMaps(maps...)
}

// SelectedUnion aggregates every tracked source's selected-change map.
func (r *Registry) SelectedUnion() map[string]shared.FileChangeStatus {
	sources := r.snapshotSources()
	maps := make([]map[string]shared.FileChangeStatus, 0, len(sources))
	for _, s := range sources {
		maps = append(maps, s.SelectedFileChanges())
	}
	return utils.UnionChangeMaps(maps...)
}

func (r *Registry) snapshotSources() []shared.DiffSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.DiffSource, 0, len(r.order))
	for _, root := range r.order {
		out = append(out, r.entries[root].source)
	}
	return out
}

// SetDiffOption propagates a new diff option to the active source.
func (r *Registry) SetDiffOption(option shared.DiffOption) {
	if source, ok := r.ActiveSource(); ok {
		source.SetDiffOption(option)
	}
}

// Activate marks the registry active and activates every tracked source.
func (r *Registry) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = true
	for _, root := range r.order {
		r.entries[root].source.Activate()
	}
}

// Deactivate suspends every tracked source.
func (r *Registry) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = false
	for _, root := range r.order {
		r.entries[root].source.Deactivate()
	}
}

// Dispose tears down all entries and their subscriptions.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, root := range r.order {
		e := r.entries[root]
		for _, sub := range e.subs {
			sub.Dispose()
		}
		e.source.Dispose()
	}
	r.entries = map[string]*entry{}
	r.order = nil
	r.activeRoot = ""
}
