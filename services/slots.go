package services

import (
	"fmt"
	"slices"
	"sync"
)

// Handler serves one request or record. It reports its result through cx (Success, Return, Fail);
// a handler that does neither answers with an empty payload.
type Handler func(cx *Context)

// PreHook runs before every request handler. An error is sent to the caller instead of running
// the handler; a *RequestError keeps its code, other errors become HANDLER_ERROR.
type PreHook func(cx *Context) error

/*
Slots is the dispatch table of a session: request services and records, each keyed by a 32-bit
service id.

Slots are registered before the first session using them opens. Opening a session seals the
table; registrations afterwards fail with ErrDuplicateSlot. The same Slots may be shared by all
sessions of a server.
*/
type Slots struct {
	mu       sync.RWMutex
	services map[uint32]Handler
	records  map[uint32]Handler
	hooks    []PreHook
	sealed   bool
}

func NewSlots() *Slots {
	return &Slots{services: make(map[uint32]Handler), records: make(map[uint32]Handler)}
}

func (s *Slots) add(table map[uint32]Handler, id uint32, h Handler, what string) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s %d", what, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("%w: cannot add %s %d, slots are in use", ErrDuplicateSlot, what, id)
	}
	if _, ok := table[id]; ok {
		return fmt.Errorf("%w: %s %d", ErrDuplicateSlot, what, id)
	}
	table[id] = h
	return nil
}

// AddSlot registers the request handler for service id.
func (s *Slots) AddSlot(id uint32, h Handler) error {
	return s.add(s.services, id, h, "service")
}

// AddRecordSlot registers the handler for records sent to id. Record ids and service ids are
// separate namespaces.
func (s *Slots) AddRecordSlot(id uint32, h Handler) error {
	return s.add(s.records, id, h, "record")
}

func (s *Slots) AddPreHook(h PreHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: cannot add hook, slots are in use", ErrDuplicateSlot)
	}
	s.hooks = append(s.hooks, h)
	return nil
}

// Acquire copies all registrations of other into s. Nothing is copied if any id is taken.
func (s *Slots) Acquire(other *Slots) error {
	if other == s {
		return fmt.Errorf("%w: slots cannot acquire themselves", ErrDuplicateSlot)
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("%w: slots are in use", ErrDuplicateSlot)
	}
	for id := range other.services {
		if _, ok := s.services[id]; ok {
			return fmt.Errorf("%w: service %d", ErrDuplicateSlot, id)
		}
	}
	for id := range other.records {
		if _, ok := s.records[id]; ok {
			return fmt.Errorf("%w: record %d", ErrDuplicateSlot, id)
		}
	}
	for id, h := range other.services {
		s.services[id] = h
	}
	for id, h := range other.records {
		s.records[id] = h
	}
	s.hooks = append(s.hooks, other.hooks...)
	return nil
}

// Seal makes the table read-only.
func (s *Slots) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

func (s *Slots) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *Slots) Find(id uint32) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.services[id]
	return h, ok
}

func (s *Slots) FindRecord(id uint32) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.records[id]
	return h, ok
}

func (s *Slots) preHooks() []PreHook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks
}

// Services returns the registered service ids in ascending order.
func (s *Slots) Services() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
