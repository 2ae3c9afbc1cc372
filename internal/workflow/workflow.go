// Package workflow sequences the multi-step commit and publish protocols.
// Every failure is converted to state plus a notification here; nothing
// propagates out of the asynchronous entry points.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"diffview/internal/errors"
	"diffview/internal/modes"
	"diffview/internal/registry"
	"diffview/internal/review"
	"diffview/internal/store"
	"diffview/shared/types"

	"go.uber.org/zap"
)

type Workflow struct {
	store      *store.Store
	registry   *registry.Registry
	controller *modes.Controller
	review     shared.ReviewService
	prompt     shared.CleanupPrompt
	notifier   shared.Notifier
	parser     review.Parser
	logger     *zap.Logger
}

func New(st *store.Store, reg *registry.Registry, controller *modes.Controller, svc shared.ReviewService, prompt shared.CleanupPrompt, notifier shared.Notifier, parser review.Parser, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		store:      st,
		registry:   reg,
		controller: controller,
		review:     svc,
		prompt:     prompt,
		notifier:   notifier,
		parser:     parser,
		logger:     logger,
	}
}

// stripCommentLines removes '#'-prefixed template lines from a message.
func stripCommentLines(message string) string {
	lines := strings.Split(message, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (w *Workflow) progressFunc(operation string) shared.ProgressFunc {
	return func(m shared.ProgressMessage) {
		switch m.Level {
		case "error":
			w.notifier.Error(operation, m.Text)
		default:
			w.notifier.Info(m.Text)
		}
	}
}

// Commit performs the commit-or-amend sequence against the active
// repository. An empty message is a user abort: the repository primitive is
// never reached and state stays untouched apart from the rejection notice.
func (w *Workflow) Commit(ctx context.Context, message string) {
	cleaned := stripCommentLines(message)
	if cleaned == "" {
		w.notifier.Error("Commit aborted", "the commit message is empty")
		return
	}

	repo, ok := w.registry.ActiveRepository()
	if !ok {
		w.logger.DPanic("commit requested with no active repository")
		w.notifier.Error("Commit failed", "no active repository")
		return
	}

	mode := w.store.GetState().CommitMode
	w.setCommitState(shared.CommitStateAwaitingCommit)
	w.logger.Info("committing",
		zap.Stringer("mode", mode),
		zap.String("root", repo.ProjectRoot()))

	var err error
	switch mode {
	case shared.CommitModeCommit:
		err = repo.Commit(ctx, cleaned, w.progressFunc("Commit"))
	case shared.CommitModeAmend:
		err = repo.Amend(ctx, cleaned, w.progressFunc("Amend"))
	default:
		panic(fmt.Sprintf("workflow: unrecognized commit mode %d", int(mode)))
	}
	if err != nil {
		w.notifier.Error("Commit failed", err.Error())
		w.setCommitState(shared.CommitStateReady)
		return
	}

	if source, ok := w.registry.ActiveSource(); ok {
		source.RefreshRevisionsState()
	}

	next := w.store.GetState()
	next.CommitMessage = ""
	next.CommitModeState = shared.CommitStateReady
	w.store.SetState(next)

	w.controller.SetViewMode(ctx, shared.ViewModeBrowse)
	w.notifier.Success("Committed changes")
}

// Publish runs the create-or-update review sequence. On failure the state
// becomes PublishError and the typed message is preserved for retry; a
// cancelled cleanup prompt aborts silently back to Ready.
func (w *Workflow) Publish(ctx context.Context, message string, preferRebase bool) {
	repo, ok := w.registry.ActiveRepository()
	if !ok {
		w.logger.DPanic("publish requested with no active repository")
		w.notifier.Error("Publish failed", "no active repository")
		return
	}

	st := w.store.GetState()
	mode := st.PublishMode

	next := st
	next.PublishMessage = message
	next.PublishModeState = shared.PublishStateAwaitingPublish
	w.store.SetState(next)
	w.logger.Info("publishing",
		zap.Int("mode", int(mode)),
		zap.String("root", repo.ProjectRoot()))

	if err := w.publish(ctx, repo, mode, message, preferRebase); err != nil {
		switch {
		case errors.IsAborted(err):
			w.setPublishState(shared.PublishStateReady)
			return
		case errors.IsPrecondition(err):
			w.logger.DPanic("publish precondition failed", zap.Error(err))
		case !errors.IsExternal(err):
			// External rejections carry their own user-facing message;
			// anything else is unexpected and gets logged with its cause.
			w.logger.Error("publish failed", zap.Error(err))
		}
		w.notifier.Error("Publish failed", err.Error())
		w.setPublishState(shared.PublishStatePublishError)
		return
	}

	next = w.store.GetState()
	next.PublishModeState = shared.PublishStateReady
	next.PublishMessage = ""
	w.store.SetState(next)
	w.controller.SetViewMode(ctx, shared.ViewModeBrowse)
}

func (w *Workflow) publish(ctx context.Context, repo shared.Repository, mode shared.PublishMode, message string, preferRebase bool) error {
	// Uncommitted working-copy changes are resolved first, optionally by
	// amending them into the head commit.
	pending := ""
	if mode == shared.PublishModeCreate {
		pending = message
	}
	res, err := w.prompt.Resolve(ctx, repo, pending, preferRebase)
	if err != nil {
		return errors.External("cleaning working copy", err)
	}
	if res == nil {
		return errors.Aborted("publish cancelled")
	}
	if res.Amended {
		if source, ok := w.registry.ActiveSource(); ok {
			source.RefreshRevisionsState()
		}
	}

	head, err := repo.HeadCommitMessage(ctx)
	if err != nil {
		return errors.External("fetching head commit message", err)
	}

	switch mode {
	case shared.PublishModeCreate:
		if err := w.review.CreateRevision(ctx, repo.ProjectRoot(), "", w.progressFunc("Publish")); err != nil {
			return err
		}
		// The service links the review by rewriting the head commit;
		// re-fetch it to announce the new review.
		newHead, err := repo.HeadCommitMessage(ctx)
		if err != nil {
			return errors.External("fetching head commit message", err)
		}
		if ref := w.parser.Parse(newHead); ref != nil {
			w.notifier.Success(fmt.Sprintf("Created review %s", ref.ID))
		} else {
			w.notifier.Success("Review created")
		}

	case shared.PublishModeUpdate:
		ref := w.parser.Parse(head)
		if ref == nil {
			return errors.External("head commit references no review to update", nil)
		}
		trimmed := strings.TrimSpace(message)
		if trimmed == "" || trimmed == strings.TrimSpace(review.UpdateTemplate(ref)) {
			return errors.External("nothing to update: edit the publish message first", nil)
		}
		if err := w.review.UpdateRevision(ctx, repo.ProjectRoot(), message, res.AllowUntracked, "", w.progressFunc("Publish")); err != nil {
			return err
		}
		w.notifier.Success(fmt.Sprintf("Updated review %s", ref.ID))

	default:
		panic(fmt.Sprintf("workflow: unrecognized publish mode %d", int(mode)))
	}
	return nil
}

func (w *Workflow) setCommitState(s shared.CommitModeState) {
	next := w.store.GetState()
	next.CommitModeState = s
	w.store.SetState(next)
}

func (w *Workflow) setPublishState(s shared.PublishModeState) {
	next := w.store.GetState()
	next.PublishModeState = s
	w.store.SetState(next)
}
