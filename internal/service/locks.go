package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
	"golang.org/x/sync/semaphore"
)

// lockTable hands out one exclusive lock per account. A weighted semaphore
// of size one queues waiters in FIFO order, so a contended account is
// granted in arrival order and no waiter starves.
//
// Entries are reference counted: an entry lives only while some caller
// holds or waits for it.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*lockEntry)}
}

func (t *lockTable) ref(id int64) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[id]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.locks[id] = e
	}
	e.refs++
	return e.sem
}

func (t *lockTable) unref(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[id]
	if !ok {
		return
	}
	if e.refs--; e.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// acquire locks the accounts in ascending id order and returns a function
// that releases them. If the locks are not all held within timeout it
// releases what it took and fails with ErrBusy.
func (t *lockTable) acquire(ctx context.Context, ids []int64, timeout time.Duration) (func(), error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	held := make([]int64, 0, len(ordered))
	sems := make([]*semaphore.Weighted, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			sems[i].Release(1)
			t.unref(held[i])
		}
	}
	for _, id := range ordered {
		sem := t.ref(id)
		if err := sem.Acquire(waitCtx, 1); err != nil {
			t.unref(id)
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("account %d: %w", id, domain.ErrBusy)
			}
			return nil, err
		}
		held = append(held, id)
		sems = append(sems, sem)
	}
	return release, nil
}
