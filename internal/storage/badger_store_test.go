package storage

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (e *testEntity) GetID() string { return e.ID }

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerStore_CRUD(t *testing.T) {
	store := NewBadgerStore(newTestDB(t), "test")

	e := &testEntity{ID: "1", Name: "first"}
	require.NoError(t, store.Create(e))
	assert.Error(t, store.Create(e), "duplicate create must fail")

	var got testEntity
	require.NoError(t, store.Get("1", &got))
	assert.Equal(t, "first", got.Name)

	e.Name = "renamed"
	require.NoError(t, store.Update(e))
	require.NoError(t, store.Get("1", &got))
	assert.Equal(t, "renamed", got.Name)

	assert.Error(t, store.Update(&testEntity{ID: "missing"}))
	assert.Error(t, store.Get("missing", &got))

	require.NoError(t, store.Delete("1"))
	assert.Error(t, store.Delete("1"))
}

func TestBadgerStore_ListIsolatesPrefixes(t *testing.T) {
	db := newTestDB(t)
	users := NewBadgerStore(db, "user")
	posts := NewBadgerStore(db, "post")

	require.NoError(t, users.Create(&testEntity{ID: "1", Name: "a"}))
	require.NoError(t, users.Create(&testEntity{ID: "2", Name: "b"}))
	require.NoError(t, posts.Create(&testEntity{ID: "1", Name: "p"}))

	var got []*testEntity
	require.NoError(t, users.List(&got))
	assert.Len(t, got, 2)
}

func TestBadgerStore_NextSequence(t *testing.T) {
	db := newTestDB(t)
	store := NewBadgerStore(db, "review")

	first, err := store.NextSequence("revision")
	require.NoError(t, err)
	second, err := store.NextSequence("revision")
	require.NoError(t, err)
	assert.Greater(t, second, first)

	// Sequences are scoped per store prefix.
	other, err := NewBadgerStore(db, "other").NextSequence("revision")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other)
}
