// Package session assembles the diff view core and binds it to its host:
// repository discovery, buffer change tracking, and the user-facing
// operations are all routed through a Session.
package session

import (
	"context"

	"diffview/internal/fetch"
	"diffview/internal/modes"
	"diffview/internal/registry"
	"diffview/internal/review"
	"diffview/internal/store"
	"diffview/internal/workflow"
	"diffview/shared/types"
	"diffview/shared/utils"

	"go.uber.org/zap"
)

// SupportedRepositoryType is the only repository type the diff view drives.
// Repositories of any other type are ignored during reconciliation.
const SupportedRepositoryType = "snapshot"

// Config carries every collaborator a Session needs. All fields except
// Parser and Logger are required.
type Config struct {
	Provider shared.RepositoryProvider
	Buffers  shared.BufferProvider
	Review   shared.ReviewService
	Prompt   shared.CleanupPrompt
	Notifier shared.Notifier
	Parser   review.Parser
	Factory  registry.SourceFactory
	Logger   *zap.Logger
}

// Session is the composition root of the diff view core.
type Session struct {
	cfg    Config
	logger *zap.Logger

	store      *store.Store
	registry   *registry.Registry
	fetcher    *fetch.Orchestrator
	controller *modes.Controller
	workflow   *workflow.Workflow

	subs []shared.Disposable
}

func New(cfg Config) *Session {
	if cfg.Parser == nil {
		cfg.Parser = review.DefaultParser{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Session{cfg: cfg, logger: cfg.Logger}
	s.store = store.NewStore(cfg.Logger)

	// Source notifications funnel back into the derived views. Dirty and
	// revision changes also invalidate cached diff payloads: the comparison
	// basis they were computed from is gone.
	hooks := registry.Hooks{
		DirtyChangesUpdated: func() {
			s.controller.UpdateChangeViews()
			s.fetcher.InvalidateCache()
			s.fetcher.Refresh(context.Background())
		},
		SelectedChangesUpdated: func() {
			s.controller.UpdateChangeViews()
		},
		RevisionsChanged: func() {
			s.controller.UpdateRevisionsState(context.Background())
			s.fetcher.InvalidateCache()
			s.fetcher.Refresh(context.Background())
		},
	}

	s.registry = registry.New(SupportedRepositoryType, cfg.Factory, hooks, cfg.Logger)
	s.fetcher = fetch.New(s.store, s.registry, cfg.Buffers, cfg.Logger)
	s.controller = modes.NewController(s.store, s.registry, s.fetcher, cfg.Parser, cfg.Notifier, cfg.Logger)
	s.workflow = workflow.New(s.store, s.registry, s.controller, cfg.Review, cfg.Prompt, cfg.Notifier, cfg.Parser, cfg.Logger)
	return s
}

// Activate reconciles against the currently open repositories and begins
// following repository-set and buffer changes.
func (s *Session) Activate(ctx context.Context) {
	s.registry.Activate()

	s.subs = append(s.subs,
		s.cfg.Provider.OnDidChangeRepositories(func() {
			s.Reconcile(context.Background())
		}),
		s.cfg.Buffers.OnStoppedChanging(func(path string) {
			if s.store.GetState().FilePath != path {
				return
			}
			s.fetcher.InvalidateCache()
			s.fetcher.Refresh(context.Background())
		}),
	)

	s.Reconcile(ctx)
}

// Reconcile synchronizes the tracked repository set with the provider. If
// the open file's repository disappeared, the file-diff portion of state is
// reset rather than left pointing at a dead source.
func (s *Session) Reconcile(ctx context.Context) {
	st := s.store.GetState()
	roots := s.registry.Reconcile(s.cfg.Provider.Repositories(), modes.DiffOptionForMode(st.ViewMode))

	if st.FilePath != "" {
		owned := false
		for root := range roots {
			if utils.PathUnder(st.FilePath, root) {
				owned = true
				break
			}
		}
		if !owned {
			s.logger.Info("open file's repository removed, clearing diff",
				zap.String("path", st.FilePath))
			s.store.SetState(s.store.GetState().ResetFileDiff())
		}
	}

	s.controller.UpdateChangeViews()
	s.controller.UpdateRevisionsState(ctx)
}

// ActivateFile makes path the diffed file and triggers a fetch. A path no
// tracked repository owns (or an empty path) clears the diff instead.
func (s *Session) ActivateFile(ctx context.Context, path string) {
	st := s.store.GetState()
	if st.FilePath == path {
		return
	}

	if path == "" {
		s.store.SetState(st.ResetFileDiff())
		return
	}
	if _, _, ok := s.registry.EntryForPath(path); !ok {
		s.logger.Debug("file belongs to no tracked repository", zap.String("path", path))
		s.store.SetState(st.ResetFileDiff())
		return
	}

	next := st
	next.FilePath = path
	s.store.SetState(next)
	s.fetcher.Refresh(ctx)
}

// State returns the current view record.
func (s *Session) State() shared.ViewState {
	return s.store.GetState()
}

// Subscribe registers fn to run after every state replacement.
func (s *Session) Subscribe(fn func()) shared.Disposable {
	return s.store.Subscribe(fn)
}

// OnDiffWritten registers fn to run after every fresh diff lands in state.
func (s *Session) OnDiffWritten(fn func()) {
	s.fetcher.OnDiffWritten = fn
}

func (s *Session) SetViewMode(ctx context.Context, mode shared.ViewMode) {
	s.controller.SetViewMode(ctx, mode)
}

func (s *Session) SetCommitMode(ctx context.Context, mode shared.CommitMode) {
	s.controller.SetCommitMode(ctx, mode)
}

func (s *Session) SetCommitMessage(message string) {
	s.controller.SetCommitMessage(message)
}

func (s *Session) SetPublishMessage(message string) {
	s.controller.SetPublishMessage(message)
}

func (s *Session) SetCompareRevision(ctx context.Context, revision shared.RevisionInfo) {
	s.controller.SetCompareRevision(ctx, revision)
}

func (s *Session) Commit(ctx context.Context, message string) {
	s.workflow.Commit(ctx, message)
}

func (s *Session) Publish(ctx context.Context, message string, preferRebase bool) {
	s.workflow.Publish(ctx, message, preferRebase)
}

// WaitForFetch blocks until no diff fetch is running.
func (s *Session) WaitForFetch() {
	s.fetcher.Wait()
}

// Deactivate stops following host changes, suspends every source, and
// resets state to defaults so a stale record cannot outlive the sources it
// described.
func (s *Session) Deactivate() {
	for _, sub := range s.subs {
		sub.Dispose()
	}
	s.subs = nil
	s.registry.Deactivate()
	s.store.Reset()
}

// Dispose tears the session down.
func (s *Session) Dispose() {
	s.Deactivate()
	s.registry.Dispose()
}
