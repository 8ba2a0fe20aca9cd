// Package events implements the Event Bus (C10): a non-blocking in-process
// pub/sub for the typed events of spec.md §4.10. It is purely informational
// and never sits on the dispatch critical path — Publish never blocks the
// caller waiting on a slow subscriber.
package events

import (
	"sync"
)

// Type enumerates the event kinds spec.md §4.10 names.
type Type string

const (
	ConnectionOpened  Type = "connection.opened"
	ConnectionClosed  Type = "connection.closed"
	RequestAccepted   Type = "request.accepted"
	RequestCompleted  Type = "request.completed"
	ToolRegistered    Type = "tool.registered"
	ServerDraining    Type = "server.draining"
)

// Event is one published occurrence.
type Event struct {
	Type Type
	Data map[string]interface{}
}

// Subscriber receives events on its own buffered channel. If the channel is
// full, Publish drops the event for that subscriber rather than blocking,
// per spec.md §4.10 ("slow subscribers drop events, measured").
type Subscriber struct {
	ch      chan Event
	dropped int64
	mu      sync.Mutex
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bus fans out published events to every current subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]bool)}
}

// Subscribe registers a new Subscriber with the given buffer size.
func (b *Bus) Subscribe(bufferSize int) *Subscriber {
	s := &Subscriber{ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subscribers[s] = true
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a Subscriber.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if b.subscribers[s] {
		delete(b.subscribers, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Publish fans an event out to every subscriber without blocking. A nil Bus
// is valid and Publish becomes a no-op, so components can be constructed
// without one in tests.
func (b *Bus) Publish(t Type, data map[string]interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev := Event{Type: t, Data: data}
	for s := range b.subscribers {
		select {
		case s.ch <- ev:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}
