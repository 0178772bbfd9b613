// Package lock provides short-lived named leases used to keep periodic jobs
// from running on more than one replica at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when another holder owns the lease.
var ErrNotAcquired = errors.New("lock: not acquired")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// TryAcquire takes the named lease for ttl or returns ErrNotAcquired.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Local is an in-process Locker for single-replica deployments and tests.
type Local struct {
	mu      sync.Mutex
	holders map[string]localHolder
	now     func() time.Time
}

type localHolder struct {
	id      uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{holders: make(map[string]localHolder), now: time.Now}
}

var localSeq struct {
	sync.Mutex
	n uint64
}

func nextID() uint64 {
	localSeq.Lock()
	defer localSeq.Unlock()
	localSeq.n++
	return localSeq.n
}

func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.holders[key]; ok && now.Before(h.expires) {
		return nil, ErrNotAcquired
	}
	h := localHolder{id: nextID(), expires: now.Add(ttl)}
	l.holders[key] = h
	return &localLease{owner: l, key: key, id: h.id}, nil
}

type localLease struct {
	owner *Local
	key   string
	id    uint64
}

func (ll *localLease) Release(context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	// An expired lease may already belong to someone else.
	if h, ok := ll.owner.holders[ll.key]; ok && h.id == ll.id {
		delete(ll.owner.holders, ll.key)
	}
	return nil
}
