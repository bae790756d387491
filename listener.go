package bosh

import (
	"sync"

	"github.com/google/uuid"
)

// ConnectionEvent is delivered to connection listeners: once with Err == nil
// when the session is established (spec.md §4.4), and exactly once more,
// terminally, when the session is disposed (spec.md §7 "connection-closed
// fires exactly once").
type ConnectionEvent struct {
	Established bool
	Err         error
	Pending     []Body // set only on disposal-with-error; see DisposalError.
}

// RequestSentEvent is delivered to request-sent listeners whenever the
// coordinator hands a body to the HTTPSender.
type RequestSentEvent struct {
	ID   string
	RID  int64
	Body Body
}

// ResponseReceivedEvent is delivered to response-received listeners for
// every response the receive loop consumes, before its terminate, error,
// ack and report handling is applied. For the session-creation response,
// cm_params has already been parsed and connection-established has already
// fired when this event is delivered.
type ResponseReceivedEvent struct {
	ID     string
	RID    int64
	Body   Body
	Status int
}

// ConnectionListener, RequestSentListener and ResponseReceivedListener are
// the three notification channels of spec.md §2 and §6. Panics and errors
// from these are caught and logged by the coordinator, never propagated
// (spec.md §7 "Listener exceptions are caught, logged, and swallowed").
type ConnectionListener func(ConnectionEvent)
type RequestSentListener func(RequestSentEvent)
type ResponseReceivedListener func(ResponseReceivedEvent)

// listenerSet is a copy-on-write collection of one listener type, matching
// gabble's register.go pattern of a mutex-guarded map swapped out on
// mutation rather than locked for the whole read (spec.md §5 "Shared
// resources ... Listener sets are copy-on-write"). Entries carry a stable
// id so removal is unaffected by concurrent add/remove reshuffling
// positions.
type listenerEntry[T any] struct {
	id int
	fn T
}

type listenerSet[T any] struct {
	mu      sync.RWMutex
	entries []listenerEntry[T]
	nextID  int
}

type listenerHandle int

func (s *listenerSet[T]) add(fn T) listenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.entries = append(append([]listenerEntry[T]{}, s.entries...), listenerEntry[T]{id: id, fn: fn})
	return listenerHandle(id)
}

func (s *listenerSet[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fns := make([]T, len(s.entries))
	for i, e := range s.entries {
		fns[i] = e.fn
	}
	return fns
}

func (s *listenerSet[T]) removeAt(h listenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]listenerEntry[T], 0, len(s.entries))
	for _, e := range s.entries {
		if e.id == int(h) {
			continue
		}
		next = append(next, e)
	}
	s.entries = next
}

// newCorrelationID stamps a per-exchange identifier onto listener events so
// an application can correlate a body across resend/replay without relying
// on RID uniqueness across sessions (SPEC_FULL.md §11).
func newCorrelationID() string {
	return uuid.NewString()
}
