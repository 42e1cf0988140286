package monitor

import "sync"

// Subscription is a live feed of Events, closed when Unsubscribe is
// called.
type Subscription struct {
	Channel chan Event
}

// Broadcaster fans a single stream of tracer Events out to any number of
// subscribers (the websocket handler in server.go, and potentially
// internal/tui in the same process), without letting a slow subscriber
// block the tracer's hot path.
type Broadcaster struct {
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan Event
	done       chan struct{}

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

const subscriberBuffer = 256

// NewBroadcaster creates a Broadcaster and starts its dispatch goroutine.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan Event, subscriberBuffer),
		done:       make(chan struct{}),
		subs:       make(map[*Subscription]struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a new subscriber and returns its feed.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{Channel: make(chan Event, subscriberBuffer)}
	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.Channel)
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its feed.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	select {
	case b.unregister <- sub:
	case <-b.done:
	}
}

// Publish sends an event to every current subscriber. Non-blocking: a
// subscriber that can't keep up misses events rather than stalling the
// tracer.
func (b *Broadcaster) Publish(evt Event) {
	select {
	case b.broadcast <- evt:
	case <-b.done:
	default:
		// Broadcaster itself is backed up; drop rather than block the
		// exception-handling hot path.
	}
}

// Close stops the dispatch goroutine and closes every subscriber's feed.
func (b *Broadcaster) Close() {
	close(b.done)
}

func (b *Broadcaster) run() {
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subs[sub] = struct{}{}
			b.mu.Unlock()

		case sub := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.Channel)
			}
			b.mu.Unlock()

		case evt := <-b.broadcast:
			b.mu.Lock()
			for sub := range b.subs {
				select {
				case sub.Channel <- evt:
				default:
					// Slow consumer; drop this event for it.
				}
			}
			b.mu.Unlock()

		case <-b.done:
			b.mu.Lock()
			for sub := range b.subs {
				close(sub.Channel)
			}
			b.subs = nil
			b.mu.Unlock()
			return
		}
	}
}
