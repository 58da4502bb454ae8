package failure

import (
	"sync"
	"time"
)

// Ended is published whenever a session is forcibly ended.
type Ended struct {
	Reason string
	At     time.Time
}

// Broadcaster fans Ended events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	lock   sync.Mutex
	nextID int
	subs   map[int]chan Ended
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Ended),
	}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it. The unsubscribe function is safe to call twice.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Ended, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Ended, buffer)

	b.lock.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.lock.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.lock.Lock()
			defer b.lock.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer and returns
// how many received it.
func (b *Broadcaster) Publish(e Ended) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- e:
			delivered++
		default:
		}
	}
	return delivered
}
