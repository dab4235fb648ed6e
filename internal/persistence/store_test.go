package persistence

import (
	"errors"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/errs"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	in := record{ID: "a", Value: 7}
	require.NoError(t, store.Save("a", &in))

	var out record
	require.NoError(t, store.Load("a", &out))
	require.Equal(t, in, out)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	var out record
	err = store.Load("nope", &out)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.NotFound, e.Kind)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Save("a", &record{ID: "a"}))
	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Delete("a"), "deleting an already-absent entity is not an error")

	var out record
	err = store.Load("a", &out)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.NotFound, e.Kind)
}

func TestIDsListsPersistedEntities(t *testing.T) {
	store, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Save("b", &record{ID: "b"}))
	require.NoError(t, store.Save("a", &record{ID: "a"}))

	ids, err := store.IDs()
	require.NoError(t, err)
	sort.Strings(ids)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestIDsOnEmptyStoreIsEmpty(t *testing.T) {
	store, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	ids, err := store.IDs()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestDegradedSetMarkIsClear(t *testing.T) {
	d := NewDegradedSet()
	require.False(t, d.Is("x"))

	d.Mark("x")
	require.True(t, d.Is("x"))
	require.False(t, d.Is("y"))

	d.Clear("x")
	require.False(t, d.Is("x"))
}

func TestSaveFailsAfterRetriesOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zap.NewNop())
	require.NoError(t, err)

	// Put a directory at the entity's temp-file path so the temp-file create
	// inside saveOnce fails on every attempt, exercising the exhausted-
	// retries path without needing real filesystem permission games.
	entityDir := store.path("blocked")
	require.NoError(t, os.MkdirAll(entityDir+".tmp", 0o750))

	err = store.Save("blocked", &record{ID: "blocked"})
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.PersistenceError, e.Kind)
}
