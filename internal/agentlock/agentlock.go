// Package agentlock serializes ledger writes per agent while letting
// different agents proceed in parallel.
package agentlock

import (
	"errors"
	"sync"
)

// ErrBusy is returned by Exclusive while a trading cycle holds the agent.
var ErrBusy = errors.New("agent is busy in a trading cycle")

type Locks struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inFlight map[string]struct{}
}

func New() *Locks {
	return &Locks{
		locks:    make(map[string]*sync.Mutex),
		inFlight: make(map[string]struct{}),
	}
}

func (l *Locks) get(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[agentID] = m
	}
	return m
}

// Lock blocks until the agent's write lock is held and returns its release func.
func (l *Locks) Lock(agentID string) (unlock func()) {
	m := l.get(agentID)
	m.Lock()
	return m.Unlock
}

// WithLock runs fn while holding the agent's write lock.
func (l *Locks) WithLock(agentID string, fn func() error) error {
	unlock := l.Lock(agentID)
	defer unlock()
	return fn()
}

// Begin marks the agent as being processed by a trading cycle. It returns
// false if another cycle already holds it; the caller must skip the agent.
func (l *Locks) Begin(agentID string) (done func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[agentID]; busy {
		return nil, false
	}
	l.inFlight[agentID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.inFlight, agentID)
		l.mu.Unlock()
	}, true
}

// Exclusive runs fn with the agent claimed against trading cycles and its
// write lock held. It fails with ErrBusy instead of waiting for a cycle.
func (l *Locks) Exclusive(agentID string, fn func() error) error {
	done, ok := l.Begin(agentID)
	if !ok {
		return ErrBusy
	}
	defer done()
	return l.WithLock(agentID, fn)
}
