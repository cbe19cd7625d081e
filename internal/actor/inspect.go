package actor

import (
	"fmt"
	"sync"
	"time"

	"github.com/eleven-am/loom/internal/domain"
)

type InspectionKind string

const (
	KindSpawned  InspectionKind = "@loom.spawned"
	KindSnapshot InspectionKind = "@loom.snapshot"
	KindEvent    InspectionKind = "@loom.event"
	KindStopped  InspectionKind = "@loom.stopped"
)

// InspectionEvent is published for every lifecycle step of every actor.
type InspectionEvent struct {
	Kind        InspectionKind  `json:"kind"`
	ActorID     string          `json:"actorId"`
	Src         string          `json:"src"`
	ParentID    string          `json:"parentId,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Event       *Event          `json:"event,omitempty"`
	Snapshot    domain.Snapshot `json:"snapshot"`
	At          time.Time       `json:"at"`
}

type subscriber struct {
	id   int
	ch   chan InspectionEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Subscribe returns a buffered inspection stream. Events are dropped when
// the subscriber falls behind. The channel is closed by the returned cancel
// func or when the system shuts down.
func (s *System) Subscribe(buffer int) (<-chan InspectionEvent, func()) {
	if buffer <= 0 {
		buffer = 256
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscriber{id: s.nextSub, ch: make(chan InspectionEvent, buffer)}
	s.nextSub++

	if s.closed {
		sub.close()
		return sub.ch, func() {}
	}
	s.subs[sub.id] = sub

	return sub.ch, func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		sub.close()
	}
}

func (s *System) publish(ev InspectionEvent) {
	ev.At = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("inspection subscriber is full, dropping event",
				"subscriber", sub.id, "kind", ev.Kind, "actor_id", ev.ActorID)
			if s.recorder != nil {
				s.recorder.InspectionDropped()
			}
		}
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
