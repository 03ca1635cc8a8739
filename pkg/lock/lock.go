// Package lock provides the per-execution lease that keeps a single writer on a run's record.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrHeld = errors.New("lock is held by another owner")
	ErrLost = errors.New("lease is no longer held")
)

type Lease interface {
	Key() string
	// Refresh extends the lease by ttl. It returns ErrLost once the lease
	// expired and was taken over or released.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Local is an in-process Locker. Expired leases can be taken over.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, ErrHeld
	}

	entry := localEntry{token: uuid.NewString()}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}

	l.held[key] = entry

	return &localLease{owner: l, key: key, token: entry.token}, nil
}

func (l *Local) refresh(key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[key]
	if !ok || e.token != token {
		return ErrLost
	}

	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	} else {
		e.expires = time.Time{}
	}

	l.held[key] = e

	return nil
}

func (l *Local) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && e.token == token {
		delete(l.held, key)
	}
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Key() string {
	return l.key
}

func (l *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	return l.owner.refresh(l.key, l.token, ttl)
}

func (l *localLease) Release(context.Context) error {
	l.owner.release(l.key, l.token)

	return nil
}
