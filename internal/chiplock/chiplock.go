// Package chiplock serializes state mutation per chip.
package chiplock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker is a keyed mutex. Entries exist only while some goroutine holds or
// waits for the key.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until the chip is free and returns the matching unlock.
func (l *Locker) Lock(chipID string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[chipID]
	if !ok {
		e = &entry{}
		l.locks[chipID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, chipID)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of live entries.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
