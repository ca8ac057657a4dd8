// Package locks provides named leases and timestamp markers shared by every
// process pointed at the same database.
package locks

import (
	"context"
	"database/sql"
	"time"

	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// ErrHeld is returned by TryAcquire while another owner holds the lease.
var ErrHeld = errors.New("lease is held by another owner")

type Store struct {
	db  *bun.DB
	now func() time.Time
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Lease is a held lock. It expires on its own after its TTL so a crashed
// holder can't keep it forever.
type Lease struct {
	store     *Store
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// TryAcquire takes the named lease for ttl without waiting. The row is
// claimed in a single statement: it is inserted when absent and taken over
// only once the previous holder's lease has expired.
func (s *Store) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	now := s.now().UTC()
	lease := &Lease{
		store:     s,
		Name:      name,
		Owner:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= excluded.acquired_at
`, lease.Name, lease.Owner, now, lease.ExpiresAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if n == 0 {
		return nil, ErrHeld
	}
	return lease, nil
}

// Release gives the lease up if it is still ours. Releasing a lease that
// already expired and was taken over leaves the new holder alone.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.store.db.NewDelete().
		Model((*models.Lease)(nil)).
		Where("name = ?", l.Name).
		Where("owner = ?", l.Owner).
		Exec(ctx)
	return errors.WithStack(err)
}

// Holder returns the current unexpired lease row, or nil when free.
func (s *Store) Holder(ctx context.Context, name string) (*models.Lease, error) {
	lease := &models.Lease{}
	err := s.db.NewSelect().
		Model(lease).
		Where("l.name = ?", name).
		Where("l.expires_at > ?", s.now().UTC()).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lease, nil
}

// Throttle records now under key and reports true, unless key was already
// marked less than minInterval ago, in which case it reports false and
// leaves the marker alone. Concurrent callers can't both win.
func (s *Store) Throttle(ctx context.Context, key string, minInterval time.Duration) (bool, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (name, marked_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			marked_at = excluded.marked_at,
			updated_at = excluded.updated_at
		WHERE app_state.marked_at <= ?
`, key, now, now, now.Add(-minInterval))
	if err != nil {
		return false, errors.WithStack(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}

// Mark records now under key unconditionally.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.MarkIn(ctx, s.db, key)
}

// MarkIn is Mark run through idb, so the marker commits or rolls back with
// the caller's transaction.
func (s *Store) MarkIn(ctx context.Context, idb bun.IDB, key string) error {
	now := s.now().UTC()
	_, err := idb.ExecContext(ctx, `
		INSERT INTO app_state (name, marked_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			marked_at = excluded.marked_at,
			updated_at = excluded.updated_at
`, key, now, now)
	return errors.WithStack(err)
}

// LastMark returns when key was last marked. The zero time means never.
func (s *Store) LastMark(ctx context.Context, key string) (time.Time, error) {
	state := &models.AppState{}
	err := s.db.NewSelect().
		Model(state).
		Where("s.name = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return state.MarkedAt, nil
}
