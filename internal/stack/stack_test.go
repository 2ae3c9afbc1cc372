package stack

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diffview/shared/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStack(t *testing.T) *Stack {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DotDir), 0755))

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewWithDB(dir, db, nil)
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s
}

func writeFile(t *testing.T, s *Stack, rel, content string) {
	t.Helper()
	path := filepath.Join(s.ProjectRoot(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestStack_SetDebounceInterval(t *testing.T) {
	s := newTestStack(t)

	assert.Equal(t, defaultDebounceInterval, s.debounceInterval)

	s.SetDebounceInterval(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, s.debounceInterval)

	// Non-positive values leave the interval untouched.
	s.SetDebounceInterval(0)
	assert.Equal(t, 50*time.Millisecond, s.debounceInterval)
}

func TestStack_CommitAndHead(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	_, err := s.HeadCommitMessage(ctx)
	assert.ErrorIs(t, err, ErrNoCommits)

	writeFile(t, s, "a.txt", "hello")
	require.NoError(t, s.Commit(ctx, "initial commit", nil))

	head, err := s.HeadCommitMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "initial commit", head)

	rs, err := s.CachedRevisionsState(ctx)
	require.NoError(t, err)
	require.Len(t, rs.Revisions, 1)
	assert.Equal(t, 1, rs.Revisions[0].ID)
	assert.Equal(t, "initial commit", rs.Revisions[0].Title)
	assert.NotEmpty(t, rs.Revisions[0].Hash)
}

func TestStack_DirtyFileChanges(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	writeFile(t, s, "a.txt", "hello")
	dirty := s.DirtyFileChanges()
	require.Len(t, dirty, 1)
	assert.Equal(t, shared.StatusUntracked, dirty[filepath.Join(s.ProjectRoot(), "a.txt")])

	require.NoError(t, s.Commit(ctx, "initial commit", nil))
	assert.Empty(t, s.DirtyFileChanges())

	writeFile(t, s, "a.txt", "changed")
	dirty = s.DirtyFileChanges()
	require.Len(t, dirty, 1)
	assert.Equal(t, shared.StatusModified, dirty[filepath.Join(s.ProjectRoot(), "a.txt")])

	require.NoError(t, os.Remove(filepath.Join(s.ProjectRoot(), "a.txt")))
	dirty = s.DirtyFileChanges()
	require.Len(t, dirty, 1)
	assert.Equal(t, shared.StatusMissing, dirty[filepath.Join(s.ProjectRoot(), "a.txt")])
}

func TestStack_FetchFileDiff(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	writeFile(t, s, "a.txt", "committed contents")
	require.NoError(t, s.Commit(ctx, "initial commit", nil))
	writeFile(t, s, "a.txt", "working copy contents")

	diff, err := s.FetchFileDiff(ctx, filepath.Join(s.ProjectRoot(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "committed contents", diff.CommittedContents)
	assert.Equal(t, 1, diff.RevisionInfo.ID)

	// A file absent from the snapshot diffs against empty contents.
	writeFile(t, s, "new.txt", "brand new")
	diff, err = s.FetchFileDiff(ctx, filepath.Join(s.ProjectRoot(), "new.txt"))
	require.NoError(t, err)
	assert.Empty(t, diff.CommittedContents)
}

func TestStack_AmendKeepsSequence(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	writeFile(t, s, "a.txt", "v1")
	require.NoError(t, s.Commit(ctx, "first message", nil))
	writeFile(t, s, "a.txt", "v2")
	require.NoError(t, s.Amend(ctx, "amended message", nil))

	head, err := s.HeadCommitMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "amended message", head)

	rs, err := s.CachedRevisionsState(ctx)
	require.NoError(t, err)
	require.Len(t, rs.Revisions, 1)
	assert.Equal(t, 1, rs.Revisions[0].ID)
	assert.Empty(t, s.DirtyFileChanges())
}

func TestStack_CompareRevisionSelection(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	writeFile(t, s, "a.txt", "v1")
	writeFile(t, s, "removed.txt", "going away")
	require.NoError(t, s.Commit(ctx, "first", nil))

	writeFile(t, s, "a.txt", "v2")
	writeFile(t, s, "b.txt", "new file")
	require.NoError(t, os.Remove(filepath.Join(s.ProjectRoot(), "removed.txt")))
	require.NoError(t, s.Commit(ctx, "second", nil))

	s.SetDiffOption(shared.DiffOptionCompareRevision)
	require.NoError(t, s.SetCompareRevision(ctx, shared.RevisionInfo{ID: 1}))

	selected := s.SelectedFileChanges()
	assert.Equal(t, shared.StatusModified, selected[filepath.Join(s.ProjectRoot(), "a.txt")])
	assert.Equal(t, shared.StatusAdded, selected[filepath.Join(s.ProjectRoot(), "b.txt")])
	assert.Equal(t, shared.StatusRemoved, selected[filepath.Join(s.ProjectRoot(), "removed.txt")])

	// Fetches now compare against the selected revision.
	diff, err := s.FetchFileDiff(ctx, filepath.Join(s.ProjectRoot(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", diff.CommittedContents)

	assert.Error(t, s.SetCompareRevision(ctx, shared.RevisionInfo{ID: 99}))
}

func TestStack_SetCompareRevisionNotifiesSelectedObservers(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	writeFile(t, s, "a.txt", "v1")
	require.NoError(t, s.Commit(ctx, "first", nil))

	fired := 0
	sub := s.OnSelectedChangesUpdated(func() { fired++ })
	defer sub.Dispose()

	require.NoError(t, s.SetCompareRevision(ctx, shared.RevisionInfo{ID: 1}))
	assert.Equal(t, 1, fired)
}

func TestStack_AddBookmark(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	writeFile(t, s, "a.txt", "v1")
	require.NoError(t, s.Commit(ctx, "first", nil))
	require.NoError(t, s.AddBookmark("release"))
	require.NoError(t, s.AddBookmark("release")) // idempotent

	rs, err := s.CachedRevisionsState(ctx)
	require.NoError(t, err)
	require.Len(t, rs.Revisions, 1)
	assert.Equal(t, []string{"release"}, rs.Revisions[0].Bookmarks)
}

func TestStack_CommitProgress(t *testing.T) {
	s := newTestStack(t)

	writeFile(t, s, "a.txt", "v1")

	var messages []string
	progress := func(m shared.ProgressMessage) { messages = append(messages, m.Text) }
	require.NoError(t, s.Commit(context.Background(), "first", progress))

	require.NotEmpty(t, messages)
	assert.Contains(t, messages[len(messages)-1], "committed snapshot 1")
}

func TestContentStore_RoundTrip(t *testing.T) {
	s := newTestStack(t)

	small := []byte("small blob")
	large := bytes.Repeat([]byte("compress me "), 512) // well past the threshold

	for _, content := range [][]byte{small, large} {
		hash, err := s.contents.Store(content)
		require.NoError(t, err)

		// Storing again deduplicates to the same hash.
		again, err := s.contents.Store(content)
		require.NoError(t, err)
		assert.Equal(t, hash, again)

		got, err := s.contents.Get(hash)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}

	_, err := s.contents.Get("not a hash")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestContentStore_LargeBlobStoredCompressed(t *testing.T) {
	s := newTestStack(t)

	large := bytes.Repeat([]byte("compress me "), 512)
	hash, err := s.contents.Store(large)
	require.NoError(t, err)

	// Purge the cache so the read goes through decompression.
	s.contents.cache.Purge()

	onDisk, err := os.ReadFile(s.contents.contentPath(hash))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(onDisk, zstdMagic))
	assert.Less(t, len(onDisk), len(large))

	got, err := s.contents.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, large, got)
}

func TestFindRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DotDir), 0755))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	root, err := FindRoot(nested)
	require.NoError(t, err)

	// TempDir may sit behind a symlink; compare resolved paths.
	wantRoot, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, wantRoot, gotRoot)

	_, err = FindRoot(t.TempDir())
	assert.Error(t, err)
}
