// Package modes owns the view-mode state machine and the filtered change
// view derived from it.
package modes

import (
	"context"
	"fmt"
	"strings"

	"diffview/internal/fetch"
	"diffview/internal/registry"
	"diffview/internal/review"
	"diffview/internal/store"
	"diffview/shared/types"
	"diffview/shared/utils"

	"go.uber.org/zap"
)

// commitMessageTemplate seeds the editor for a fresh commit. Lines starting
// with '#' are stripped before committing.
const commitMessageTemplate = "\n# Describe your changes.\n# Lines starting with '#' are stripped before committing.\n"

// Controller drives view-mode transitions and the commit/publish message
// sub-state machines.
type Controller struct {
	store    *store.Store
	registry *registry.Registry
	fetcher  *fetch.Orchestrator
	parser   review.Parser
	notifier shared.Notifier
	logger   *zap.Logger
}

func NewController(st *store.Store, reg *registry.Registry, fetcher *fetch.Orchestrator, parser review.Parser, notifier shared.Notifier, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:    st,
		registry: reg,
		fetcher:  fetcher,
		parser:   parser,
		notifier: notifier,
		logger:   logger,
	}
}

// DiffOptionForMode maps a view mode to the diff option fetched for it.
// Total and exhaustive; any other variant is a programming error.
func DiffOptionForMode(mode shared.ViewMode) shared.DiffOption {
	switch mode {
	case shared.ViewModeCommit, shared.ViewModePublish:
		return shared.DiffOptionDirty
	case shared.ViewModeBrowse:
		return shared.DiffOptionCompareRevision
	default:
		panic(fmt.Sprintf("modes: unrecognized view mode %d", int(mode)))
	}
}

// SetViewMode transitions the view mode. A no-op when unchanged; otherwise
// it propagates the new diff option, recomputes the filtered change view,
// reloads the mode's derived message, and re-triggers the file-diff fetch
// because the comparison basis changed.
func (c *Controller) SetViewMode(ctx context.Context, mode shared.ViewMode) {
	st := c.store.GetState()
	if st.ViewMode == mode {
		return
	}
	c.logger.Debug("view mode transition",
		zap.Stringer("from", st.ViewMode),
		zap.Stringer("to", mode))

	next := st
	next.ViewMode = mode
	// Leaving a mode resets its message; a publish error keeps the typed
	// message around for retry.
	if st.ViewMode == shared.ViewModeCommit {
		next.CommitMessage = ""
		next.CommitModeState = shared.CommitStateReady
	}
	if st.ViewMode == shared.ViewModePublish && st.PublishModeState != shared.PublishStatePublishError {
		next.PublishMessage = ""
		next.PublishModeState = shared.PublishStateReady
	}
	c.store.SetState(next)

	c.registry.SetDiffOption(DiffOptionForMode(mode))
	c.UpdateChangeViews()

	switch mode {
	case shared.ViewModeCommit:
		c.LoadCommitMessage(ctx)
	case shared.ViewModePublish:
		c.LoadPublishMessage(ctx)
	}

	c.fetcher.Refresh(ctx)
}

// SetCommitMode switches between commit and amend, reloading the commit
// message and re-triggering the fetch (the mode is part of the fetch
// identity).
func (c *Controller) SetCommitMode(ctx context.Context, mode shared.CommitMode) {
	st := c.store.GetState()
	if st.CommitMode == mode {
		return
	}
	next := st
	next.CommitMode = mode
	c.store.SetState(next)

	if st.ViewMode == shared.ViewModeCommit {
		c.LoadCommitMessage(ctx)
	}
	c.fetcher.Refresh(ctx)
}

// SetCommitMessage records the user's typed commit message.
func (c *Controller) SetCommitMessage(message string) {
	next := c.store.GetState()
	next.CommitMessage = message
	c.store.SetState(next)
}

// SetPublishMessage records the user's typed publish message.
func (c *Controller) SetPublishMessage(message string) {
	next := c.store.GetState()
	next.PublishMessage = message
	c.store.SetState(next)
}

// LoadCommitMessage runs Ready -> LoadingMessage -> Ready, producing the
// template message for fresh commits or the head message for amends.
func (c *Controller) LoadCommitMessage(ctx context.Context) {
	st := c.store.GetState()
	if st.CommitModeState == shared.CommitStateAwaitingCommit {
		return
	}
	c.setCommitState(shared.CommitStateLoadingMessage)

	message := commitMessageTemplate
	if st.CommitMode == shared.CommitModeAmend {
		repo, ok := c.registry.ActiveRepository()
		if !ok {
			c.logger.DPanic("amend message requested with no active repository")
			c.setCommitState(shared.CommitStateReady)
			return
		}
		head, err := repo.HeadCommitMessage(ctx)
		if err != nil {
			c.notifier.Error("Failed to load commit message", err.Error())
			c.setCommitState(shared.CommitStateReady)
			return
		}
		message = head
	}

	next := c.store.GetState()
	next.CommitMessage = message
	next.CommitModeState = shared.CommitStateReady
	c.store.SetState(next)
}

// LoadPublishMessage runs Ready -> LoadingMessage -> Ready, classifying the
// publish as Update when the head commit references a review. A message the
// user already typed is preferred. Re-entry while a publish is awaited is a
// no-op: publishing amends the head commit, which must not bounce back into
// the loader.
func (c *Controller) LoadPublishMessage(ctx context.Context) {
	st := c.store.GetState()
	if st.PublishModeState == shared.PublishStateAwaitingPublish {
		return
	}
	c.setPublishState(shared.PublishStateLoadingMessage)

	repo, ok := c.registry.ActiveRepository()
	if !ok {
		c.logger.DPanic("publish message requested with no active repository")
		c.setPublishState(shared.PublishStateReady)
		return
	}
	head, err := repo.HeadCommitMessage(ctx)
	if err != nil {
		c.notifier.Error("Failed to load publish message", err.Error())
		c.setPublishState(shared.PublishStateReady)
		return
	}

	next := c.store.GetState()
	next.HeadCommitMessage = head
	if ref := c.parser.Parse(head); ref != nil {
		next.PublishMode = shared.PublishModeUpdate
		if strings.TrimSpace(next.PublishMessage) == "" {
			next.PublishMessage = review.UpdateTemplate(ref)
		}
	} else {
		next.PublishMode = shared.PublishModeCreate
		if strings.TrimSpace(next.PublishMessage) == "" {
			next.PublishMessage = head
		}
	}
	next.PublishModeState = shared.PublishStateReady
	c.store.SetState(next)
}

// UpdateChangeViews recomputes the aggregated dirty/selected maps and the
// mode filter. Idempotent; re-run after every reconciliation, mode change,
// and source change notification.
func (c *Controller) UpdateChangeViews() {
	st := c.store.GetState()

	next := st
	next.DirtyFileChanges = c.registry.DirtyUnion()

	selected := c.registry.SelectedUnion()
	switch st.ViewMode {
	case shared.ViewModeCommit, shared.ViewModePublish:
		// Restrict to paths under the active repository's root.
		filtered := map[string]shared.FileChangeStatus{}
		if root, ok := c.registry.ActiveRoot(); ok {
			for path, status := range selected {
				if utils.PathUnder(path, root) {
					filtered[path] = status
				}
			}
		}
		next.SelectedFileChanges = filtered
		next.ShowNonVCSRepos = false
	case shared.ViewModeBrowse:
		next.SelectedFileChanges = selected
		next.ShowNonVCSRepos = true
	default:
		panic(fmt.Sprintf("modes: unrecognized view mode %d", int(st.ViewMode)))
	}

	c.store.SetState(next)
}

// SetCompareRevision changes the browse-mode comparison basis and
// re-triggers the fetch against it.
func (c *Controller) SetCompareRevision(ctx context.Context, revision shared.RevisionInfo) {
	source, ok := c.registry.ActiveSource()
	if !ok {
		c.logger.DPanic("compare revision set with no active repository")
		return
	}
	if err := source.SetCompareRevision(ctx, revision); err != nil {
		c.notifier.Error("Failed to select compare revision", err.Error())
		return
	}
	c.fetcher.InvalidateCache()
	c.fetcher.Refresh(ctx)
}

// UpdateRevisionsState pulls the active source's cached revision snapshot
// into state.
func (c *Controller) UpdateRevisionsState(ctx context.Context) {
	source, ok := c.registry.ActiveSource()
	if !ok {
		return
	}
	rs, err := source.CachedRevisionsState(ctx)
	if err != nil {
		c.logger.Warn("loading revisions state", zap.Error(err))
		return
	}
	next := c.store.GetState()
	next.RevisionsState = rs
	c.store.SetState(next)
}

func (c *Controller) setCommitState(s shared.CommitModeState) {
	next := c.store.GetState()
	next.CommitModeState = s
	c.store.SetState(next)
}

func (c *Controller) setPublishState(s shared.PublishModeState) {
	next := c.store.GetState()
	next.PublishModeState = s
	c.store.SetState(next)
}
