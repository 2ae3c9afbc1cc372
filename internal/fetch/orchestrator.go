// Package fetch keeps the on-screen diff consistent with the selected file
// and mode while fetches run asynchronously.
package fetch

import (
	"context"
	"fmt"
	"sync"

	"diffview/internal/registry"
	"diffview/internal/store"
	"diffview/shared/types"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const workingCopyTitle = "Working Copy"

const cacheSize = 64

// target is the identity captured before a fetch and compared structurally
// after it resolves. Any mismatch means a newer request superseded this one
// and the result must be dropped.
type target struct {
	filePath   string
	viewMode   shared.ViewMode
	commitMode shared.CommitMode
}

// Orchestrator serializes and staleness-checks active-file diff fetches.
// Requests are coalesced, never queued: while a fetch is in flight, further
// requests collapse into a single pending re-invocation.
type Orchestrator struct {
	store    *store.Store
	registry *registry.Registry
	buffers  shared.BufferProvider
	cache    *lru.Cache[string, shared.FileDiff]
	logger   *zap.Logger

	// OnDiffWritten, when set, runs after a fresh diff lands in state
	// (inline-annotation refresh is delegated through it).
	OnDiffWritten func()

	mu       sync.Mutex
	inFlight bool
	pending  bool
	wg       sync.WaitGroup
}

func New(st *store.Store, reg *registry.Registry, buffers shared.BufferProvider, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, shared.FileDiff](cacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Orchestrator{
		store:    st,
		registry: reg,
		buffers:  buffers,
		cache:    cache,
		logger:   logger,
	}
}

// Refresh requests a re-fetch of the active file's diff. It never blocks;
// concurrent requests are absorbed into one pending re-invocation.
func (o *Orchestrator) Refresh(ctx context.Context) {
	o.mu.Lock()
	if o.inFlight {
		o.pending = true
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		o.fetchOnce(ctx)

		o.mu.Lock()
		if !o.pending {
			o.inFlight = false
			o.mu.Unlock()
			return
		}
		o.pending = false
		o.mu.Unlock()
	}
}

// Wait blocks until no fetch is running.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// InvalidateCache drops all cached diff payloads. Called whenever a source
// reports changed dirty state or revision history.
func (o *Orchestrator) InvalidateCache() {
	o.cache.Purge()
}

func (o *Orchestrator) fetchOnce(ctx context.Context) {
	st := o.store.GetState()
	if st.FilePath == "" {
		return
	}
	t := target{filePath: st.FilePath, viewMode: st.ViewMode, commitMode: st.CommitMode}

	root, source, ok := o.registry.EntryForPath(t.filePath)
	if !ok {
		o.logger.Warn("open file belongs to no tracked repository",
			zap.String("path", t.filePath))
		return
	}

	key := fmt.Sprintf("%s|%s", t.filePath, t.viewMode)
	diff, cached := o.cache.Get(key)
	if cached {
		if err := o.registry.SetActiveRoot(root); err != nil {
			o.logger.Error("activating repository", zap.String("root", root), zap.Error(err))
			return
		}
	} else {
		var fetched *shared.FileDiff
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			d, err := source.FetchFileDiff(gctx, t.filePath)
			if err != nil {
				return fmt.Errorf("fetching file diff: %w", err)
			}
			fetched = d
			return nil
		})
		g.Go(func() error {
			return o.registry.SetActiveRoot(root)
		})
		if err := g.Wait(); err != nil {
			o.logger.Error("file diff fetch failed",
				zap.String("path", t.filePath),
				zap.Error(err))
			return
		}
		diff = *fetched
	}

	// The live side is loaded after the committed side so the "current"
	// half of the diff is as fresh as possible.
	newContents, err := o.buffers.LoadFileContents(ctx, t.filePath)
	if err != nil {
		o.logger.Error("loading buffer contents",
			zap.String("path", t.filePath),
			zap.Error(err))
		return
	}

	// Optimistic concurrency: nothing was locked, so re-check the captured
	// identity against current state and drop stale results silently.
	cur := o.store.GetState()
	if cur.FilePath != t.filePath || cur.ViewMode != t.viewMode || cur.CommitMode != t.commitMode {
		o.logger.Debug("discarding superseded diff fetch",
			zap.String("path", t.filePath),
			zap.Stringer("fetched_mode", t.viewMode),
			zap.Stringer("current_mode", cur.ViewMode))
		return
	}

	// Cache only results that survive the re-check: a superseded fetch ran
	// against a comparison basis the mode change already replaced, and its
	// payload must not be served for this key later.
	if !cached {
		o.cache.Add(key, diff)
	}

	rev := diff.RevisionInfo
	next := cur
	next.OldContents = diff.CommittedContents
	next.NewContents = newContents
	next.CompareRevisionInfo = &rev
	next.FromRevisionTitle = rev.DisplayTitle()
	next.ToRevisionTitle = workingCopyTitle
	o.store.SetState(next)

	if o.OnDiffWritten != nil {
		o.OnDiffWritten()
	}
}
