package orchestrator

import "sync"

// ConversationLocks is a keyed mutex. Entries are dropped once no caller
// holds or waits on them.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*keyedLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (l *ConversationLocks) Lock(id string) (unlock func()) {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyedLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Unlock()
			l.mu.Lock()
			k.refs--
			if k.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}

func (l *ConversationLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
