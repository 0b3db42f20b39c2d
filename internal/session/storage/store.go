// Package storage persists staged sessions in badger, outside the
// repository tree, so sessions survive branch deletion and process
// restarts. Terminal sessions are archived with their final preview,
// zstd-compressed, under a lease.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"fsgit/internal/session"
	"fsgit/internal/storage"
)

// DefaultLease is how long a terminal session's archive is retained
// before PurgeExpired may reap it.
const DefaultLease = 7 * 24 * time.Hour

type Store struct {
	sessions *storage.BadgerStore
	archives *storage.BadgerStore
	lease    time.Duration
}

var _ session.Store = (*Store)(nil)

func NewStore(db *badger.DB) (*Store, error) {
	codec, err := storage.NewZstdCodec()
	if err != nil {
		return nil, err
	}
	base := storage.NewBadgerStore(db, "session")
	return &Store{
		sessions: base,
		archives: storage.NewBadgerStore(db, "archive").WithCodec(codec),
		lease:    DefaultLease,
	}, nil
}

// sessionEntity adapts session.StagedSession to storage.Entity.
type sessionEntity struct {
	*session.StagedSession
}

func (e *sessionEntity) GetID() string { return e.ID }

// ArchivedSession is the terminal record kept after the work branch is
// gone: the session plus the last computed preview.
type ArchivedSession struct {
	Session   *session.StagedSession `json:"session"`
	Preview   *session.Preview       `json:"preview,omitempty"`
	ExpiresAt time.Time              `json:"expires_at"`
}

func (a *ArchivedSession) GetID() string { return a.Session.ID }

func validate(s *session.StagedSession) error {
	if s.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if s.WorkBranch == "" || s.BaseBranch == "" {
		return fmt.Errorf("session branches are required")
	}
	return nil
}

func (st *Store) Create(s *session.StagedSession) error {
	if err := validate(s); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	return st.sessions.Create(&sessionEntity{s})
}

func (st *Store) Get(id string) (*session.StagedSession, error) {
	entity := &sessionEntity{StagedSession: &session.StagedSession{}}
	if err := st.sessions.Get(id, entity); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return entity.StagedSession, nil
}

// List returns every stored session, live and terminal alike.
func (st *Store) List() ([]*session.StagedSession, error) {
	ids, err := st.sessions.IDs()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sessions := make([]*session.StagedSession, 0, len(ids))
	for _, id := range ids {
		s, err := st.Get(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// IsNotFound reports whether err means the session id is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func (st *Store) Update(s *session.StagedSession) error {
	if err := validate(s); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	s.UpdatedAt = time.Now().UTC()
	return st.sessions.Update(&sessionEntity{s})
}

// Archive compresses and stores the terminal record alongside the live
// session entry, stamped with the retention lease.
func (st *Store) Archive(s *session.StagedSession, p *session.Preview) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("cannot archive session %s in status %s", s.ID, s.Status)
	}
	return st.archives.Put(&ArchivedSession{
		Session:   s,
		Preview:   p,
		ExpiresAt: time.Now().UTC().Add(st.lease),
	})
}

// GetArchive loads a terminal session's archived record.
func (st *Store) GetArchive(id string) (*ArchivedSession, error) {
	a := &ArchivedSession{Session: &session.StagedSession{}}
	if err := st.archives.Get(id, a); err != nil {
		return nil, err
	}
	return a, nil
}

// PurgeExpired deletes archives (and their session entries) whose
// lease has lapsed. Explicit cleanup; nothing purges automatically.
func (st *Store) PurgeExpired(now time.Time) (int, error) {
	var expired []string
	err := st.archives.Each(
		func() storage.Entity { return &ArchivedSession{Session: &session.StagedSession{}} },
		func(e storage.Entity) error {
			a := e.(*ArchivedSession)
			if a.ExpiresAt.Before(now) {
				expired = append(expired, a.Session.ID)
			}
			return nil
		})
	if err != nil {
		return 0, fmt.Errorf("scanning archives: %w", err)
	}

	for _, id := range expired {
		if err := st.archives.Delete(id); err != nil {
			return 0, err
		}
		if err := st.sessions.Delete(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
	}
	return len(expired), nil
}
