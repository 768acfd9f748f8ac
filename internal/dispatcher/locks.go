package dispatcher

import "sync"

// taskLocks serialises transitions of one task id while the store write for
// it is in progress. Different ids proceed in parallel and d.mu is never
// held across a write.
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{m: make(map[string]*taskLock)}
}

// lock blocks until id is free and returns its release func.
func (l *taskLocks) lock(id string) func() {
	l.mu.Lock()
	tl, ok := l.m[id]
	if !ok {
		tl = &taskLock{}
		l.m[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
