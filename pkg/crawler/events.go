package crawler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

// Broadcaster fans a session's events out to subscribers over bounded channels.
// Publish never blocks: a full subscriber loses ordinary events, while the
// terminal event evicts the oldest buffered one so it always arrives.
type Broadcaster struct {
	sessionID string
	bufSize   int

	mu       sync.Mutex
	subs     map[int]chan models.Event
	nextID   int
	terminal *models.Event // Set once the stream has ended

	dropped atomic.Int64
}

// Subscription is one subscriber's view of the stream. Events is closed after
// the terminal event or on Close.
type Subscription struct {
	Events <-chan models.Event
	id     int
	b      *Broadcaster
}

// NewBroadcaster creates a broadcaster; bufSize below 2 is raised to 2 so a
// late subscriber can hold the greeting and the terminal replay
func NewBroadcaster(sessionID string, bufSize int) *Broadcaster {
	if bufSize < 2 {
		bufSize = 2
	}
	return &Broadcaster{
		sessionID: sessionID,
		bufSize:   bufSize,
		subs:      make(map[int]chan models.Event),
	}
}

// Subscribe registers a subscriber. The first event is always connection_established;
// subscribing after the end replays the terminal event and closes the channel.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan models.Event, b.bufSize)
	ch <- models.Event{
		Type:      models.EventConnectionEstablished,
		SessionID: b.sessionID,
		Message:   "Connected to session " + b.sessionID,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		ch <- *b.terminal
		close(ch)
		return &Subscription{Events: ch, id: -1, b: b}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &Subscription{Events: ch, id: id, b: b}
}

// Close detaches the subscription; pending events are discarded
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if ch, ok := s.b.subs[s.id]; ok {
		delete(s.b.subs, s.id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking. Events after the
// terminal one are ignored.
func (b *Broadcaster) Publish(ev models.Event) {
	if ev.SessionID == "" {
		ev.SessionID = b.sessionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		return
	}

	terminal := ev.Type.IsTerminal()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !terminal {
			b.dropped.Add(1)
			continue
		}
		// Make room for the terminal event; Publish is the only sender so the slot stays free
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}

	if terminal {
		b.terminal = &ev
		for id, ch := range b.subs {
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Dropped returns how many events were discarded because a subscriber fell behind
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
