package flow

import "sync"

// contactLocks serializes turns of one contact inside this process. Entries
// are reference counted and dropped once no turn holds or waits on them.
type contactLocks struct {
	mu    sync.Mutex
	locks map[string]*contactLock
}

type contactLock struct {
	mu   sync.Mutex
	refs int
}

func newContactLocks() *contactLocks {
	return &contactLocks{locks: make(map[string]*contactLock)}
}

// lock blocks until contactID is free and returns its unlock function.
func (c *contactLocks) lock(contactID string) func() {
	c.mu.Lock()
	l, ok := c.locks[contactID]
	if !ok {
		l = &contactLock{}
		c.locks[contactID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, contactID)
		}
		c.mu.Unlock()
	}
}
