package executor

import (
	"sync"

	"github.com/seantiz/jobdrain/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans out live execution events per job. It is safe for concurrent use.
//
// A job's topic is closed once the job leaves the engine's active set, either
// deleted after success or failed with no retries left. Closed topics stay as
// markers so late subscribers get a closed channel instead of blocking.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.LogEntry
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel of events for jobID and an unsubscribe function.
// If the job's topic is already closed the channel is closed immediately.
func (b *Broker) Subscribe(jobID string) (<-chan model.LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.LogEntry)}
		b.topics[jobID] = t
	}

	ch := make(chan model.LogEntry, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to every subscriber of its job without blocking.
func (b *Broker) Publish(e model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[e.JobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close ends the event stream for jobID.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &topic{subs: make(map[int]chan model.LogEntry), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears a closed marker so a job that was given new retries streams
// again.
func (b *Broker) Reopen(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[jobID]; ok && t.closed {
		delete(b.topics, jobID)
	}
}

// Forget drops every topic, closing open streams. Used after a purge.
func (b *Broker) Forget() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, t := range b.topics {
		for sid, ch := range t.subs {
			close(ch)
			delete(t.subs, sid)
		}
		delete(b.topics, id)
	}
}
