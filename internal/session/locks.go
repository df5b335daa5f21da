package session

import "sync"

// sessionLock serialises mutating operations on one session. op orders
// Upload, Compress and Clear; file guards the current file so readers run
// concurrently while the compress swap and the purge are exclusive.
type sessionLock struct {
	op   sync.Mutex
	file sync.RWMutex
	refs int
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sessionLock)}
}

func (t *lockTable) acquire(id string) *sessionLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sessionLock{}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(id string, l *sessionLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
