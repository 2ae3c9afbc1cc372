package session

import (
	"context"
	"sync"
	"testing"

	"diffview/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	root string
	head string
}

func (r *fakeRepo) Type() string        { return "snapshot" }
func (r *fakeRepo) ProjectRoot() string { return r.root }
func (r *fakeRepo) HeadCommitMessage(context.Context) (string, error) {
	return r.head, nil
}
func (r *fakeRepo) Commit(context.Context, string, shared.ProgressFunc) error { return nil }
func (r *fakeRepo) Amend(context.Context, string, shared.ProgressFunc) error  { return nil }

type fakeSource struct {
	mu       sync.Mutex
	fetches  int
	dirty    map[string]shared.FileChangeStatus
	onDirty  func()
	disposed bool
}

func (s *fakeSource) FetchFileDiff(context.Context, string) (*shared.FileDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	return &shared.FileDiff{
		CommittedContents: "committed",
		RevisionInfo:      shared.RevisionInfo{ID: 1, Hash: "abc1234def5678"},
	}, nil
}
func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}
func (s *fakeSource) fireDirty() {
	if s.onDirty != nil {
		s.onDirty()
	}
}
func (s *fakeSource) DirtyFileChanges() map[string]shared.FileChangeStatus    { return s.dirty }
func (s *fakeSource) SelectedFileChanges() map[string]shared.FileChangeStatus { return s.dirty }
func (s *fakeSource) SetDiffOption(shared.DiffOption)                         {}
func (s *fakeSource) SetCompareRevision(context.Context, shared.RevisionInfo) error {
	return nil
}
func (s *fakeSource) CachedRevisionsState(context.Context) (*shared.RevisionsState, error) {
	return &shared.RevisionsState{}, nil
}
func (s *fakeSource) RefreshRevisionsState() {}
func (s *fakeSource) Activate()              {}
func (s *fakeSource) Deactivate()            {}
func (s *fakeSource) Dispose()               { s.disposed = true }
func (s *fakeSource) OnDirtyChangesUpdated(fn func()) shared.Disposable {
	s.onDirty = fn
	return shared.DisposeFunc(func() { s.onDirty = nil })
}
func (s *fakeSource) OnSelectedChangesUpdated(func()) shared.Disposable { return shared.DisposeFunc(func() {}) }
func (s *fakeSource) OnRevisionsChanged(func()) shared.Disposable       { return shared.DisposeFunc(func() {}) }

type fakeProvider struct {
	repos     []shared.Repository
	listeners []func()
}

func (p *fakeProvider) Repositories() []shared.Repository { return p.repos }
func (p *fakeProvider) RepositoryForPath(path string) shared.Repository {
	for _, repo := range p.repos {
		if len(path) > len(repo.ProjectRoot()) && path[:len(repo.ProjectRoot())] == repo.ProjectRoot() {
			return repo
		}
	}
	return nil
}
func (p *fakeProvider) OnDidChangeRepositories(fn func()) shared.Disposable {
	p.listeners = append(p.listeners, fn)
	return shared.DisposeFunc(func() {})
}
func (p *fakeProvider) fireChange() {
	for _, fn := range p.listeners {
		fn()
	}
}

type fakeBuffers struct {
	listeners []func(string)
}

func (b *fakeBuffers) LoadFileContents(context.Context, string) (string, error) {
	return "live", nil
}
func (b *fakeBuffers) OnStoppedChanging(fn func(string)) shared.Disposable {
	b.listeners = append(b.listeners, fn)
	i := len(b.listeners) - 1
	return shared.DisposeFunc(func() { b.listeners[i] = nil })
}
func (b *fakeBuffers) fireStopped(path string) {
	for _, fn := range b.listeners {
		if fn != nil {
			fn(path)
		}
	}
}

type fakeNotifier struct{}

func (fakeNotifier) Info(string)          {}
func (fakeNotifier) Success(string)       {}
func (fakeNotifier) Error(string, string) {}

type fakeReviewService struct{}

func (fakeReviewService) CreateRevision(context.Context, string, string, shared.ProgressFunc) error {
	return nil
}
func (fakeReviewService) UpdateRevision(context.Context, string, string, bool, string, shared.ProgressFunc) error {
	return nil
}

type fakePrompt struct{}

func (fakePrompt) Resolve(context.Context, shared.Repository, string, bool) (*shared.CleanupResult, error) {
	return &shared.CleanupResult{}, nil
}

type fixture struct {
	provider *fakeProvider
	buffers  *fakeBuffers
	sources  map[string]*fakeSource
	session  *Session
}

func newFixture(t *testing.T, repos ...shared.Repository) *fixture {
	t.Helper()

	sources := map[string]*fakeSource{}
	provider := &fakeProvider{repos: repos}
	buffers := &fakeBuffers{}

	s := New(Config{
		Provider: provider,
		Buffers:  buffers,
		Review:   fakeReviewService{},
		Prompt:   fakePrompt{},
		Notifier: fakeNotifier{},
		Factory: func(repo shared.Repository, _ shared.DiffOption) shared.DiffSource {
			src := &fakeSource{dirty: map[string]shared.FileChangeStatus{}}
			sources[repo.ProjectRoot()] = src
			return src
		},
		Logger: nil,
	})
	t.Cleanup(s.Dispose)

	s.Activate(context.Background())
	return &fixture{provider: provider, buffers: buffers, sources: sources, session: s}
}

func TestSession_ActivateFileFetchesDiff(t *testing.T) {
	f := newFixture(t, &fakeRepo{root: "/r1"})

	f.session.ActivateFile(context.Background(), "/r1/a.txt")
	f.session.WaitForFetch()

	st := f.session.State()
	assert.Equal(t, "/r1/a.txt", st.FilePath)
	assert.Equal(t, "committed", st.OldContents)
	assert.Equal(t, "live", st.NewContents)
	assert.Equal(t, "abc1234def56", st.FromRevisionTitle)
	assert.Equal(t, "Working Copy", st.ToRevisionTitle)
	assert.Equal(t, 1, f.sources["/r1"].fetchCount())
}

func TestSession_ActivateFileOutsideAnyRepositoryClearsDiff(t *testing.T) {
	f := newFixture(t, &fakeRepo{root: "/r1"})

	f.session.ActivateFile(context.Background(), "/r1/a.txt")
	f.session.WaitForFetch()
	f.session.ActivateFile(context.Background(), "/elsewhere/b.txt")
	f.session.WaitForFetch()

	st := f.session.State()
	assert.Empty(t, st.FilePath)
	assert.Empty(t, st.OldContents)
	assert.Equal(t, shared.NoFileSelected, st.FromRevisionTitle)
	assert.Equal(t, shared.NoFileSelected, st.ToRevisionTitle)
}

func TestSession_RemovingOpenFilesRepositoryResetsDiff(t *testing.T) {
	r1 := &fakeRepo{root: "/r1"}
	r2 := &fakeRepo{root: "/r2"}
	f := newFixture(t, r1, r2)

	f.session.ActivateFile(context.Background(), "/r2/b.txt")
	f.session.WaitForFetch()
	require.Equal(t, "/r2/b.txt", f.session.State().FilePath)

	f.provider.repos = []shared.Repository{r1}
	f.provider.fireChange()
	f.session.WaitForFetch()

	st := f.session.State()
	assert.Empty(t, st.FilePath)
	assert.Equal(t, shared.NoFileSelected, st.FromRevisionTitle)
	assert.True(t, f.sources["/r2"].disposed)
}

func TestSession_BufferStoppedChangingRefetchesOpenFile(t *testing.T) {
	f := newFixture(t, &fakeRepo{root: "/r1"})

	f.session.ActivateFile(context.Background(), "/r1/a.txt")
	f.session.WaitForFetch()
	require.Equal(t, 1, f.sources["/r1"].fetchCount())

	f.buffers.fireStopped("/r1/a.txt")
	f.session.WaitForFetch()
	assert.Equal(t, 2, f.sources["/r1"].fetchCount())

	// Other buffers do not trigger a refetch.
	f.buffers.fireStopped("/r1/other.txt")
	f.session.WaitForFetch()
	assert.Equal(t, 2, f.sources["/r1"].fetchCount())
}

func TestSession_DirtyNotificationUpdatesChangeViews(t *testing.T) {
	f := newFixture(t, &fakeRepo{root: "/r1"})

	src := f.sources["/r1"]
	src.dirty["/r1/a.txt"] = shared.StatusModified
	src.fireDirty()
	f.session.WaitForFetch()

	st := f.session.State()
	assert.Contains(t, st.DirtyFileChanges, "/r1/a.txt")
}

func TestSession_DeactivateStopsFollowingHostChanges(t *testing.T) {
	f := newFixture(t, &fakeRepo{root: "/r1"})

	f.session.ActivateFile(context.Background(), "/r1/a.txt")
	f.session.WaitForFetch()
	before := f.sources["/r1"].fetchCount()

	f.session.Deactivate()
	f.buffers.fireStopped("/r1/a.txt")
	f.session.WaitForFetch()

	assert.Equal(t, before, f.sources["/r1"].fetchCount())
}

