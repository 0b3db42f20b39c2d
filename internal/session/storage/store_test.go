package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsgit/internal/session"
)

func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession() *session.StagedSession {
	id := uuid.New().String()
	return &session.StagedSession{
		ID:         id,
		Root:       "/repo",
		BaseBranch: "main",
		WorkBranch: "fsgit/staged/session-" + id[:8],
		BaseTip:    "abc123",
		Status:     session.StatusOpen,
	}
}

func TestSessionStore(t *testing.T) {
	db := setupTestDB(t)
	store, err := NewStore(db)
	require.NoError(t, err)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newSession()
		require.NoError(t, store.Create(s))
		assert.False(t, s.CreatedAt.IsZero())

		got, err := store.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, s.WorkBranch, got.WorkBranch)
		assert.Equal(t, session.StatusOpen, got.Status)

		// duplicate rejected
		assert.Error(t, store.Create(s))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get("does-not-exist")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("Update", func(t *testing.T) {
		s := newSession()
		require.NoError(t, store.Create(s))

		s.Status = session.StatusPreviewed
		require.NoError(t, store.Update(s))

		got, err := store.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusPreviewed, got.Status)
		assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))
	})

	t.Run("List", func(t *testing.T) {
		db := setupTestDB(t)
		store, err := NewStore(db)
		require.NoError(t, err)

		a, b := newSession(), newSession()
		require.NoError(t, store.Create(a))
		require.NoError(t, store.Create(b))
		b.Status = session.StatusFinalized
		require.NoError(t, store.Update(b))

		sessions, err := store.List()
		require.NoError(t, err)
		require.Len(t, sessions, 2)

		byID := map[string]*session.StagedSession{}
		for _, s := range sessions {
			byID[s.ID] = s
		}
		assert.Equal(t, session.StatusOpen, byID[a.ID].Status)
		assert.Equal(t, session.StatusFinalized, byID[b.ID].Status)
	})

	t.Run("ValidationRejectsIncomplete", func(t *testing.T) {
		assert.Error(t, store.Create(&session.StagedSession{ID: "x"}))
	})

	t.Run("ArchiveRoundTrip", func(t *testing.T) {
		s := newSession()
		require.NoError(t, store.Create(s))

		s.Status = session.StatusFinalized
		require.NoError(t, store.Update(s))

		preview := &session.Preview{Diff: strings.Repeat("+line\n", 2000)}
		require.NoError(t, store.Archive(s, preview))

		a, err := store.GetArchive(s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, a.Session.ID)
		assert.Equal(t, preview.Diff, a.Preview.Diff)
		assert.True(t, a.ExpiresAt.After(time.Now()))
	})

	t.Run("ArchiveRequiresTerminalStatus", func(t *testing.T) {
		s := newSession()
		assert.Error(t, store.Archive(s, nil))
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		s := newSession()
		require.NoError(t, store.Create(s))
		s.Status = session.StatusAborted
		require.NoError(t, store.Update(s))
		require.NoError(t, store.Archive(s, nil))

		n, err := store.PurgeExpired(time.Now())
		require.NoError(t, err)
		assert.Zero(t, n, "lease not yet lapsed")

		n, err = store.PurgeExpired(time.Now().Add(DefaultLease + time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		_, err = store.Get(s.ID)
		assert.True(t, IsNotFound(err))
	})
}
