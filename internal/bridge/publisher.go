package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")
)

// PublisherStats contains delivery counters for one publisher.
type PublisherStats struct {
	// TotalPublished is the number of states the worker has published.
	TotalPublished uint64

	// Subscribers contains per-subscriber breakdown.
	Subscribers map[string]SubscriberStats
}

// SubscriberStats tracks delivery metrics for a single subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriberCounters struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// publisher fans State snapshots out to subscriber channels without ever
// blocking the worker: a full channel drops the state for that subscriber.
// Observers always see the most recent states their channel had room for,
// never a backlog that stalls the frame pump.
type publisher struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- State
	stats       map[string]*subscriberCounters

	totalPublished atomic.Uint64
}

func newPublisher() *publisher {
	return &publisher{
		subscribers: make(map[string]chan<- State),
		stats:       make(map[string]*subscriberCounters),
	}
}

func (p *publisher) subscribe(id string, ch chan<- State) error {
	if ch == nil {
		return errors.New("subscriber channel cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	p.subscribers[id] = ch
	p.stats[id] = &subscriberCounters{}
	return nil
}

func (p *publisher) unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(p.subscribers, id)
	delete(p.stats, id)
	return nil
}

// publish sends state to all subscribers, dropping for any whose channel is full.
func (p *publisher) publish(state State) {
	p.totalPublished.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	for id, ch := range p.subscribers {
		select {
		case ch <- state:
			p.stats[id].sent.Add(1)
		default:
			p.stats[id].dropped.Add(1)
		}
	}
}

func (p *publisher) statsSnapshot() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := PublisherStats{
		TotalPublished: p.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats),
	}
	for id, counters := range p.stats {
		result.Subscribers[id] = SubscriberStats{
			Sent:    counters.sent.Load(),
			Dropped: counters.dropped.Load(),
		}
	}
	return result
}
