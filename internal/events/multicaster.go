package events

import "sync"

// Multicaster fans a single producer's events out to any number of
// independent, unbounded per-observer Buses (spec: "one or more
// observers"). Each observer drains at its own pace.
type Multicaster struct {
	mu   sync.Mutex
	subs []*Bus
}

func NewMulticaster() *Multicaster {
	return &Multicaster{}
}

// Subscribe registers a new observer and returns its Bus.
func (m *Multicaster) Subscribe() *Bus {
	b := NewBus()
	m.mu.Lock()
	m.subs = append(m.subs, b)
	m.mu.Unlock()
	return b
}

// Publish delivers e to every current subscriber.
func (m *Multicaster) Publish(e Event) {
	m.mu.Lock()
	subs := make([]*Bus, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, b := range subs {
		b.Publish(e)
	}
}

// Close closes every subscriber's Bus.
func (m *Multicaster) Close() {
	m.mu.Lock()
	subs := make([]*Bus, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, b := range subs {
		b.Close()
	}
}
