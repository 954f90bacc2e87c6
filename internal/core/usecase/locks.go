package usecase

import "sync"

// DocumentLocks serialises status transitions per document id. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
// It also tracks which processing ids are executing in this process.
type DocumentLocks struct {
	mu    sync.Mutex
	locks map[string]*documentLock
	runs  map[string]struct{}
}

type documentLock struct {
	mu   sync.Mutex
	refs int
}

func NewDocumentLocks() *DocumentLocks {
	return &DocumentLocks{
		locks: make(map[string]*documentLock),
		runs:  make(map[string]struct{}),
	}
}

// Lock blocks until the lock for documentID is held and returns its release func.
func (l *DocumentLocks) Lock(documentID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[documentID]
	if !ok {
		entry = &documentLock{}
		l.locks[documentID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, documentID)
		}
		l.mu.Unlock()
	}
}

// claimRun marks processingID as executing here. It reports false when the
// run is already executing.
func (l *DocumentLocks) claimRun(processingID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[processingID]; ok {
		return false
	}
	l.runs[processingID] = struct{}{}
	return true
}

func (l *DocumentLocks) releaseRun(processingID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, processingID)
}

func (l *DocumentLocks) running(processingID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.runs[processingID]
	return ok
}

func (l *DocumentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
