package service

import "sync"

// doctorLocks hands out one mutex per doctor id. Entries are dropped once
// no goroutine holds or waits for them.
type doctorLocks struct {
	mu    sync.Mutex
	locks map[string]*doctorLock
}

type doctorLock struct {
	mu   sync.Mutex
	refs int
}

func newDoctorLocks() *doctorLocks {
	return &doctorLocks{locks: make(map[string]*doctorLock)}
}

// Lock blocks until the doctor's mutex is held and returns its release func.
func (l *doctorLocks) Lock(doctorID string) func() {
	l.mu.Lock()
	e, ok := l.locks[doctorID]
	if !ok {
		e = &doctorLock{}
		l.locks[doctorID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, doctorID)
		}
		l.mu.Unlock()
	}
}

func (l *doctorLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
