package server

import "sync"

// Ledger counts authentication failures per peer identity for the lifetime
// of one Server. An identity that reaches the quota stays denied until the
// process exits.
//
// Attempts are reserved with Begin before a challenge is issued, so recorded
// failures plus attempts in flight never exceed the quota. Concurrent
// attempts beyond that wait for an earlier one to finish.
//
// At most capacity identities are tracked. When full, recording a new
// identity evicts one that is still under quota, which resets that
// identity's count. Banned identities are never evicted. Once every tracked
// identity is banned the ledger is saturated and untracked identities are
// denied.
type Ledger struct {
	mu       sync.Mutex
	cond     *sync.Cond
	quota    int
	capacity int
	fails    map[string]int
	pending  map[string]int
	banned   int
}

// NewLedger creates a Ledger denying identities after quota failures.
// capacity <= 0 means unbounded.
func NewLedger(quota, capacity int) *Ledger {
	l := &Ledger{
		quota:    quota,
		capacity: capacity,
		fails:    make(map[string]int),
		pending:  make(map[string]int),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Exhausted reports whether id is denied.
func (l *Ledger) Exhausted(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exhaustedLocked(id)
}

// Begin reserves one authentication attempt for id. It returns false if id
// is denied. Otherwise the caller must call Finish exactly once.
func (l *Ledger) Begin(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.exhaustedLocked(id) {
			return false
		}
		if l.fails[id]+l.pending[id] < l.quota {
			l.pending[id]++
			return true
		}
		l.cond.Wait()
	}
}

// Finish releases an attempt reserved by Begin, recording a failure if
// failed is set. It returns the failure count for id.
func (l *Ledger) Finish(id string, failed bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.cond.Broadcast()

	if l.pending[id]--; l.pending[id] <= 0 {
		delete(l.pending, id)
	}
	if !failed {
		return l.fails[id]
	}
	return l.recordLocked(id)
}

// Failures returns the current count for id.
func (l *Ledger) Failures(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fails[id]
}

// Len returns the number of tracked identities.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fails)
}

func (l *Ledger) saturatedLocked() bool {
	return l.capacity > 0 && l.banned >= l.capacity
}

func (l *Ledger) exhaustedLocked(id string) bool {
	n, tracked := l.fails[id]
	if !tracked {
		return l.saturatedLocked()
	}
	return n >= l.quota
}

// recordLocked adds one failure for id. An identity that cannot be tracked
// is reported at quota. l.mu must be held.
func (l *Ledger) recordLocked(id string) int {
	if _, tracked := l.fails[id]; !tracked && l.capacity > 0 && len(l.fails) >= l.capacity {
		if !l.evictLocked() {
			return l.quota
		}
	}
	l.fails[id]++
	if l.fails[id] == l.quota {
		l.banned++
	}
	return l.fails[id]
}

// evictLocked removes one identity below quota. l.mu must be held.
func (l *Ledger) evictLocked() bool {
	for k, n := range l.fails {
		if n < l.quota {
			delete(l.fails, k)
			return true
		}
	}
	return false
}
