package lock

import (
	"context"
	"sync"

	"github.com/garyjia/requisition-portal/internal/application/port"
)

// LocalLocker serializes transitions per requisition within one process
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process keyed lock
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*slot)}
}

// Lock blocks until the requisition's lock is free or ctx is done
func (l *LocalLocker) Lock(ctx context.Context, requisitionID int64) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[requisitionID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[requisitionID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(requisitionID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(requisitionID, s)
		})
	}, nil
}

func (l *LocalLocker) release(requisitionID int64, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, requisitionID)
	}
}

// held reports the number of requisitions with a holder or waiter
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Verify interface compliance
var _ port.Locker = (*LocalLocker)(nil)
