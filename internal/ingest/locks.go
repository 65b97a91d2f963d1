package ingest

import "sync"

// pathLocks serializes operations on the same file path while letting
// distinct paths proceed concurrently. Entries are reference-counted and
// removed when the last holder releases.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// Lock acquires the lock for path, blocking while another holder has it.
func (p *pathLocks) Lock(path string) {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for path.
func (p *pathLocks) Unlock(path string) {
	p.mu.Lock()
	l := p.locks[path]
	l.refs--
	if l.refs == 0 {
		delete(p.locks, path)
	}
	p.mu.Unlock()

	l.mu.Unlock()
}
