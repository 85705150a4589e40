package contexts

import (
	"sync"
	"time"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// EventType names a lifecycle change observed by the tracker.
type EventType string

const (
	EventMainSet  EventType = "main_set"
	EventCreated  EventType = "created"
	EventRemoved  EventType = "removed"
	EventUpdated  EventType = "updated"
	EventSwitched EventType = "switched"
	EventReset    EventType = "reset"
)

// Event is delivered to subscribers after the tracker state has changed.
type Event struct {
	Type      EventType
	ContextID string
	State     schemas.ContextState
	Current   string
	Depth     int
	Timestamp time.Time
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Subscribe registers an observer. Delivery never blocks the tracker: when the
// channel buffer is full the event is dropped for that subscriber. The returned
// function unsubscribes and closes the channel; it is safe to call more than once.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	t.subMu.Lock()
	t.subscribers[sub] = struct{}{}
	t.subMu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			t.subMu.Lock()
			delete(t.subscribers, sub)
			close(sub.ch)
			t.subMu.Unlock()
		})
	}
	return sub.ch, unsubscribe
}

func (t *Tracker) publish(ev Event) {
	ev.Timestamp = time.Now()

	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for sub := range t.subscribers {
		select {
		case sub.ch <- ev:
		default:
			t.logger.Debug("Dropping lifecycle event for slow subscriber",
				zapEventType(ev.Type), zapContext(ev.ContextID))
		}
	}
}
