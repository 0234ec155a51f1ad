package artifacts

import "sync"

// versionLocks hands out one advisory mutex per version id. Entries are
// dropped once no goroutine holds or waits for them.
type versionLocks struct {
	mu    sync.Mutex
	locks map[string]*versionLock
}

type versionLock struct {
	mu   sync.Mutex
	refs int
}

func newVersionLocks() *versionLocks {
	return &versionLocks{locks: make(map[string]*versionLock)}
}

// Lock blocks until versionID is held and returns the release func
func (l *versionLocks) Lock(versionID string) func() {
	l.mu.Lock()
	vl, ok := l.locks[versionID]
	if !ok {
		vl = &versionLock{}
		l.locks[versionID] = vl
	}
	vl.refs++
	l.mu.Unlock()

	vl.mu.Lock()
	return func() {
		vl.mu.Unlock()
		l.mu.Lock()
		vl.refs--
		if vl.refs == 0 {
			delete(l.locks, versionID)
		}
		l.mu.Unlock()
	}
}
