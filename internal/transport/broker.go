package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// replayWindow is how many recent observations a topic keeps for
	// subscribers that resume from a sequence number.
	replayWindow = 128

	// liveBuffer is the room a subscriber has for observations published
	// after it subscribed.
	liveBuffer = 64
)

var droppedObservations = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "hermes_observations_dropped_total",
	Help: "Observations not delivered to a subscriber whose buffer was full.",
})

func init() {
	prometheus.MustRegister(droppedObservations)
}

// Event is one published observation. Seq matches the agent_events row the
// hub persisted it as, so a subscriber can stitch history and live delivery
// together without gaps.
type Event struct {
	Seq     int
	Payload string
}

// Broker delivers each agent's observations to its subscribers in sequence
// order and remembers the last replayWindow of them per agent.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	recent []Event
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch      chan Event
	lastSeq int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) topic(agentID string) *topic {
	t, ok := b.topics[agentID]
	if !ok {
		t = &topic{subs: make(map[*subscriber]struct{})}
		b.topics[agentID] = t
	}
	return t
}

// Subscribe delivers observations published from now on.
func (b *Broker) Subscribe(agentID string) (<-chan Event, func()) {
	return b.subscribe(agentID, -1, false)
}

// SubscribeAfter first replays the remembered observations with a sequence
// number above after, then continues live. If the topic is already closed the
// replay is followed by a closed channel.
func (b *Broker) SubscribeAfter(agentID string, after int) (<-chan Event, func()) {
	return b.subscribe(agentID, after, true)
}

func (b *Broker) subscribe(agentID string, after int, replay bool) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(agentID)

	var backlog []Event
	if replay {
		for _, ev := range t.recent {
			if ev.Seq > after {
				backlog = append(backlog, ev)
			}
		}
	}
	sub := &subscriber{ch: make(chan Event, len(backlog)+liveBuffer), lastSeq: after}
	if n := len(t.recent); n > 0 && !replay {
		sub.lastSeq = t.recent[n-1].Seq
	}
	for _, ev := range backlog {
		sub.ch <- ev
		sub.lastSeq = ev.Seq
	}

	if t.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	t.subs[sub] = struct{}{}

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[sub]; ok {
			delete(t.subs, sub)
			close(sub.ch)
		}
	}
}

// Publish records ev for agentID and hands it to every subscriber that has
// not seen its sequence number yet. A subscriber whose buffer is full misses
// the event; it can recover it from the persisted history.
func (b *Broker) Publish(agentID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(agentID)
	if t.closed {
		return
	}

	t.recent = append(t.recent, ev)
	if over := len(t.recent) - replayWindow; over > 0 {
		t.recent = append(t.recent[:0], t.recent[over:]...)
	}

	for sub := range t.subs {
		if ev.Seq <= sub.lastSeq {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.lastSeq = ev.Seq
		default:
			droppedObservations.Inc()
		}
	}
}

// Subscribers returns the number of live subscribers of agentID.
func (b *Broker) Subscribers(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[agentID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close ends agentID's topic. Subscribers see their channel closed; later
// subscribers get the replay window and a closed channel.
func (b *Broker) Close(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(b.topic(agentID))
}

func (b *Broker) closeLocked(t *topic) {
	t.closed = true
	for sub := range t.subs {
		close(sub.ch)
		delete(t.subs, sub)
	}
}

// CloseAll ends every topic.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		b.closeLocked(t)
	}
}
