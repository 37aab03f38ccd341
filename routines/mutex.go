package routines

import (
	"context"
	"sync"
)

// Mutex is a lock whose Lock is a suspension point. Hold it across I/O instead of a sync.Mutex,
// which would pin the worker of every waiting routine.
// The zero value is unlocked.
type Mutex struct {
	once  sync.Once
	token chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() {
		m.token = make(chan struct{}, 1)
		m.token <- struct{}{}
	})
}

func (m *Mutex) Lock(ctx context.Context) error {
	m.init()
	_, _, err := Receive(ctx, m.token)
	return err
}

func (m *Mutex) TryLock() bool {
	m.init()
	select {
	case <-m.token:
		return true
	default:
		return false
	}
}

func (m *Mutex) Unlock() {
	m.init()
	select {
	case m.token <- struct{}{}:
	default:
		panic("routines: unlock of unlocked Mutex")
	}
}
