package agentpool

import "sync"

// sessionLock is a per-session FIFO lock implemented as a chain of
// futures: each waiter is handed the previous waiter's "done" channel and
// blocks on it before proceeding, then publishes its own completion to the
// next arrival. Ordering is strictly FIFO by arrival time at Acquire,
// unlike a plain sync.Mutex/semaphore whose wakeup order is unspecified.
type sessionLock struct {
	mu   sync.Mutex
	tail chan struct{} // closed when the current tail-holder's turn ends
}

func newSessionLock() *sessionLock {
	l := &sessionLock{}
	return l
}

// Acquire blocks until every waiter that arrived before this call has
// released, then returns a release function the caller must invoke exactly
// once when its critical section ends.
func (l *sessionLock) Acquire() func() {
	l.mu.Lock()
	wait := l.tail
	myTurn := make(chan struct{})
	l.tail = myTurn
	l.mu.Unlock()

	if wait != nil {
		<-wait
	}

	var once sync.Once
	return func() {
		once.Do(func() { close(myTurn) })
	}
}

// lockTable hands out a sessionLock per session_id, creating one on first
// use. Entries are never removed: a session's lock is cheap (one pointer
// and channel) and outlives individual PoolEntry eviction so an in-flight
// waiter is never orphaned by a concurrent eviction.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*sessionLock{}}
}

func (t *lockTable) get(sessionID string) *sessionLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = newSessionLock()
		t.locks[sessionID] = l
	}
	return l
}
