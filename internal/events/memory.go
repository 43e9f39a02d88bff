package events

import (
	"context"
	"sync"
	"time"
)

// MemoryChannel is an in-process Channel for tests and single-node runs.
// It keeps the full event log per group so consumers can restart from the
// last acknowledged position.
type MemoryChannel struct {
	mu           sync.Mutex
	groups       map[string]*memGroup
	dedupeWindow time.Duration
	closed       bool
}

type memGroup struct {
	events    []Event
	dedupe    map[string]dedupeEntry
	lastAcked uint64
	notify    chan struct{}
}

type dedupeEntry struct {
	seq  uint64
	seen time.Time
}

// NewMemoryChannel creates a MemoryChannel with the given dedupe window.
func NewMemoryChannel(dedupeWindow time.Duration) *MemoryChannel {
	return &MemoryChannel{
		groups:       make(map[string]*memGroup),
		dedupeWindow: dedupeWindow,
	}
}

func (c *MemoryChannel) group(key string) *memGroup {
	g, ok := c.groups[key]
	if !ok {
		g = &memGroup{
			dedupe: make(map[string]dedupeEntry),
			notify: make(chan struct{}, 1),
		}
		c.groups[key] = g
	}
	return g
}

func (c *MemoryChannel) Publish(ctx context.Context, groupKey string, ev Event) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group(groupKey)

	now := time.Now()
	if ev.DedupeKey != "" {
		if entry, ok := g.dedupe[ev.DedupeKey]; ok && now.Sub(entry.seen) < c.dedupeWindow {
			return entry.seq, nil
		}
	}

	ev.Sequence = uint64(len(g.events)) + 1
	g.events = append(g.events, ev)
	if ev.DedupeKey != "" {
		g.dedupe[ev.DedupeKey] = dedupeEntry{seq: ev.Sequence, seen: now}
	}

	select {
	case g.notify <- struct{}{}:
	default:
	}
	return ev.Sequence, nil
}

func (c *MemoryChannel) Consume(ctx context.Context, groupKey string) (<-chan Envelope, error) {
	c.mu.Lock()
	g := c.group(groupKey)
	cursor := g.lastAcked
	c.mu.Unlock()

	out := make(chan Envelope)
	go func() {
		defer close(out)
		for {
			c.mu.Lock()
			var next *Event
			if cursor < uint64(len(g.events)) {
				ev := g.events[cursor]
				next = &ev
			}
			c.mu.Unlock()

			if next == nil {
				select {
				case <-ctx.Done():
					return
				case <-g.notify:
					continue
				}
			}

			env := Envelope{
				Event: *next,
				ack: func(seq uint64) func(context.Context) error {
					return func(context.Context) error {
						c.mu.Lock()
						if seq > g.lastAcked {
							g.lastAcked = seq
						}
						c.mu.Unlock()
						return nil
					}
				}(next.Sequence),
			}
			select {
			case <-ctx.Done():
				return
			case out <- env:
				cursor++
			}
		}
	}()
	return out, nil
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// MemoryDeadLetter collects parked events in memory.
type MemoryDeadLetter struct {
	mu     sync.Mutex
	parked []ParkedEvent
}

// ParkedEvent is a dead-lettered event with the reason it was parked.
type ParkedEvent struct {
	GroupKey string
	Event    Event
	Reason   string
	ParkedAt time.Time
}

// NewMemoryDeadLetter creates an empty MemoryDeadLetter.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

func (d *MemoryDeadLetter) Park(ctx context.Context, groupKey string, ev Event, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parked = append(d.parked, ParkedEvent{GroupKey: groupKey, Event: ev, Reason: reason, ParkedAt: time.Now()})
	return nil
}

// Parked returns a copy of everything parked so far.
func (d *MemoryDeadLetter) Parked() []ParkedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ParkedEvent, len(d.parked))
	copy(out, d.parked)
	return out
}
