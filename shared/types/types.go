// Shared data model and collaborator contracts for the diff view core.
package shared

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ViewMode selects what basis the open file is diffed against.
type ViewMode int

const (
	ViewModeBrowse ViewMode = iota
	ViewModeCommit
	ViewModePublish
)

func (m ViewMode) String() string {
	switch m {
	case ViewModeBrowse:
		return "browse"
	case ViewModeCommit:
		return "commit"
	case ViewModePublish:
		return "publish"
	default:
		return fmt.Sprintf("viewmode(%d)", int(m))
	}
}

// CommitMode is the write operation the commit workflow performs.
type CommitMode int

const (
	CommitModeCommit CommitMode = iota
	CommitModeAmend
)

func (m CommitMode) String() string {
	if m == CommitModeAmend {
		return "amend"
	}
	return "commit"
}

// CommitModeState is the commit sub-state machine.
type CommitModeState int

const (
	CommitStateReady CommitModeState = iota
	CommitStateLoadingMessage
	CommitStateAwaitingCommit
)

// PublishMode is whether the workflow creates a new review or updates one.
type PublishMode int

const (
	PublishModeCreate PublishMode = iota
	PublishModeUpdate
)

// PublishModeState is the publish sub-state machine.
type PublishModeState int

const (
	PublishStateReady PublishModeState = iota
	PublishStateLoadingMessage
	PublishStateAwaitingPublish
	PublishStatePublishError
)

// DiffOption is the comparison basis a diff source fetches against.
type DiffOption int

const (
	// DiffOptionDirty compares the working copy against the last commit.
	DiffOptionDirty DiffOption = iota
	// DiffOptionCompareRevision compares the working copy against a
	// user-selected revision.
	DiffOptionCompareRevision
)

// FileChangeStatus tags a changed file.
type FileChangeStatus int

const (
	StatusAdded FileChangeStatus = iota
	StatusModified
	StatusRemoved
	StatusMissing
	StatusUntracked
)

func (s FileChangeStatus) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusModified:
		return "modified"
	case StatusRemoved:
		return "removed"
	case StatusMissing:
		return "missing"
	case StatusUntracked:
		return "untracked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RevisionInfo describes one revision in a repository's history.
type RevisionInfo struct {
	ID        int       `json:"id"`
	Hash      string    `json:"hash"`
	Title     string    `json:"title"`
	Bookmarks []string  `json:"bookmarks"`
	Date      time.Time `json:"date"`
}

// DisplayTitle derives the revision title shown next to the old side of a
// diff: short hash plus any bookmarks.
func (r RevisionInfo) DisplayTitle() string {
	hash := r.Hash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	if len(r.Bookmarks) == 0 {
		return hash
	}
	return fmt.Sprintf("%s (%s)", hash, strings.Join(r.Bookmarks, ", "))
}

// RevisionsState is an opaque snapshot of the active repository's revision
// history, owned by the active diff source.
type RevisionsState struct {
	Revisions []RevisionInfo `json:"revisions"`
	CompareID int            `json:"compare_id"` // 0 when no compare revision is selected
}

// FileDiff is a diff source's payload for a single file: the committed
// contents and the revision they came from. The live filesystem side is
// loaded separately by the caller.
type FileDiff struct {
	CommittedContents string
	RevisionInfo      RevisionInfo
}

// NoFileSelected is the revision title shown when no file is diffed.
const NoFileSelected = "No file selected"

// ViewState is the single authoritative view record. It is replaced
// wholesale on every change; maps are never mutated in place once published.
type ViewState struct {
	FilePath            string
	OldContents         string
	NewContents         string
	FromRevisionTitle   string
	ToRevisionTitle     string
	CompareRevisionInfo *RevisionInfo

	ViewMode         ViewMode
	CommitMode       CommitMode
	CommitModeState  CommitModeState
	PublishMode      PublishMode
	PublishModeState PublishModeState

	CommitMessage     string
	PublishMessage    string
	HeadCommitMessage string

	DirtyFileChanges    map[string]FileChangeStatus
	SelectedFileChanges map[string]FileChangeStatus
	ShowNonVCSRepos     bool

	RevisionsState *RevisionsState
}

// DefaultViewState returns the construction-time state record.
func DefaultViewState() ViewState {
	return ViewState{
		FromRevisionTitle:   NoFileSelected,
		ToRevisionTitle:     NoFileSelected,
		ViewMode:            ViewModeBrowse,
		CommitMode:          CommitModeCommit,
		CommitModeState:     CommitStateReady,
		PublishMode:         PublishModeCreate,
		PublishModeState:    PublishStateReady,
		DirtyFileChanges:    map[string]FileChangeStatus{},
		SelectedFileChanges: map[string]FileChangeStatus{},
		ShowNonVCSRepos:     true,
	}
}

// ResetFileDiff clears the file-diff portion of a state record, leaving the
// mode machinery untouched.
func (s ViewState) ResetFileDiff() ViewState {
	s.FilePath = ""
	s.OldContents = ""
	s.NewContents = ""
	s.FromRevisionTitle = NoFileSelected
	s.ToRevisionTitle = NoFileSelected
	s.CompareRevisionInfo = nil
	return s
}

// Disposable is a removal handle returned by observer registrations.
type Disposable interface {
	Dispose()
}

// DisposeFunc adapts a func to Disposable.
type DisposeFunc func()

func (f DisposeFunc) Dispose() { f() }

// ProgressMessage is one entry in the progress stream of a long-running
// repository or review-service operation.
type ProgressMessage struct {
	Level string `json:"level"` // "log", "warning" or "error"
	Text  string `json:"text"`
}

// ProgressFunc receives streamed progress messages. A nil ProgressFunc is
// always permitted.
type ProgressFunc func(ProgressMessage)

// DiffSource computes dirty/selected changes and revision diffs for one
// repository ("repository stack").
type DiffSource interface {
	// FetchFileDiff returns the committed contents of path and the
	// revision they belong to, per the current diff option.
	FetchFileDiff(ctx context.Context, path string) (*FileDiff, error)

	// DirtyFileChanges maps absolute file paths to their change status
	// between the working copy and the last commit.
	DirtyFileChanges() map[string]FileChangeStatus

	// SelectedFileChanges maps paths relevant to the active comparison.
	SelectedFileChanges() map[string]FileChangeStatus

	SetDiffOption(option DiffOption)
	SetCompareRevision(ctx context.Context, revision RevisionInfo) error
	CachedRevisionsState(ctx context.Context) (*RevisionsState, error)
	RefreshRevisionsState()

	Activate()
	Deactivate()
	Dispose()

	OnDirtyChangesUpdated(fn func()) Disposable
	OnSelectedChangesUpdated(fn func()) Disposable
	OnRevisionsChanged(fn func()) Disposable
}

// Repository exposes the revision-control primitives the core drives.
type Repository interface {
	// Type tags the backing version-control system, e.g. "snapshot".
	Type() string
	// ProjectRoot is the absolute repository root path.
	ProjectRoot() string

	HeadCommitMessage(ctx context.Context) (string, error)
	Commit(ctx context.Context, message string, progress ProgressFunc) error
	Amend(ctx context.Context, message string, progress ProgressFunc) error
}

// RepositoryProvider resolves paths to repositories and reports changes to
// the open repository set. Injected at construction, never ambient.
type RepositoryProvider interface {
	Repositories() []Repository
	// RepositoryForPath returns nil when no repository owns the path.
	RepositoryForPath(path string) Repository
	OnDidChangeRepositories(fn func()) Disposable
}

// ReviewService creates and updates code-review revisions for a repository
// root, streaming progress until completion.
type ReviewService interface {
	CreateRevision(ctx context.Context, path, excuse string, progress ProgressFunc) error
	UpdateRevision(ctx context.Context, path, message string, allowUntracked bool, excuse string, progress ProgressFunc) error
}

// BufferProvider loads live editor contents for a path and reports when a
// buffer has stopped changing.
type BufferProvider interface {
	LoadFileContents(ctx context.Context, path string) (string, error)
	OnStoppedChanging(fn func(path string)) Disposable
}

// Notifier presents outcomes to the user. Purely observational; never
// affects control flow.
type Notifier interface {
	Info(message string)
	Success(message string)
	Error(message, detail string)
}

// CleanupResult reports how uncommitted working-copy changes were resolved
// before a publish.
type CleanupResult struct {
	Amended        bool
	AllowUntracked bool
}

// CleanupPrompt asks the user to resolve uncommitted changes ahead of a
// publish. A nil result with a nil error means the user aborted.
type CleanupPrompt interface {
	Resolve(ctx context.Context, repo Repository, commitMessage string, preferRebase bool) (*CleanupResult, error)
}
