package ledger

import "sync"

// userLocks hands out one RWMutex per user so that writers of the same user
// serialize while different users never contend.
type userLocks struct {
	mu    sync.Mutex
	locks map[CNodeUserUUID]*userLock
}

type userLock struct {
	rw   sync.RWMutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[CNodeUserUUID]*userLock)}
}

func (l *userLocks) acquire(userUUID CNodeUserUUID) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[userUUID]
	if !ok {
		entry = &userLock{}
		l.locks[userUUID] = entry
	}
	entry.refs++
	return entry
}

func (l *userLocks) release(userUUID CNodeUserUUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[userUUID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, userUUID)
	}
}

func (l *userLocks) lock(userUUID CNodeUserUUID) func() {
	entry := l.acquire(userUUID)
	entry.rw.Lock()
	return func() {
		entry.rw.Unlock()
		l.release(userUUID)
	}
}

func (l *userLocks) rlock(userUUID CNodeUserUUID) func() {
	entry := l.acquire(userUUID)
	entry.rw.RLock()
	return func() {
		entry.rw.RUnlock()
		l.release(userUUID)
	}
}
