package preset

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"
)

// senderLeases hands out at most one lease per sender at a time. Entries
// are dropped once nobody holds or waits for them.
type senderLeases struct {
	mu    sync.Mutex
	byKey map[common.Address]*senderLease
}

type senderLease struct {
	sem  *semaphore.Weighted
	refs int
}

func newSenderLeases() *senderLeases {
	return &senderLeases{byKey: make(map[common.Address]*senderLease)}
}

// Acquire blocks until the sender is free or ctx is done. The returned
// release func is safe to call more than once.
func (l *senderLeases) Acquire(ctx context.Context, sender common.Address) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	le, ok := l.byKey[sender]
	if !ok {
		le = &senderLease{sem: semaphore.NewWeighted(1)}
		l.byKey[sender] = le
	}
	le.refs++
	l.mu.Unlock()

	if err := le.sem.Acquire(ctx, 1); err != nil {
		l.unref(sender, le)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			le.sem.Release(1)
			l.unref(sender, le)
		})
	}, nil
}

func (l *senderLeases) unref(sender common.Address, le *senderLease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	le.refs--
	if le.refs == 0 {
		delete(l.byKey, sender)
	}
}

func (l *senderLeases) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
