// Package eventbus implements the in-process publish/subscribe bus that
// glues the orchestration core's components together. Mutations flow
// through the store, which publishes here; every other component reacts
// to events rather than calling each other directly (see store's doc
// comment for the ownership rule this enforces).
//
// Routing keys are segment tuples, e.g. {"builds", id, "finished"}.
// Subscription patterns may use "*" as a single-segment wildcard.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"gastrolog-ci/internal/logging"
)

// Event is a single published message.
type Event struct {
	Key     []string
	Payload any
}

// Subscription is returned by Subscribe; call Unsubscribe to stop receiving.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	s.bus.removeSubscriber(s.id)
}

type subscriber struct {
	id      uint64
	pattern []string
	fn      func(Event)
}

// Bus is an in-process, pattern-matched publish/subscribe router with a
// durable consume API for cross-master coordination.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	subs      []*subscriber
	lastEvent map[string]Event // last event seen per exact key, for WaitUntil's "already true" case
	consumers []*consumer

	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		lastEvent: make(map[string]Event),
		logger:    logging.Default(logger).With("component", "eventbus"),
	}
}

func keyString(key []string) string { return strings.Join(key, "\x1f") }

// matches reports whether key satisfies pattern; "*" matches exactly one
// segment, patterns must be the same length as the key.
func matches(pattern, key []string) bool {
	if len(pattern) != len(key) {
		return false
	}
	for i, seg := range pattern {
		if seg != "*" && seg != key[i] {
			return false
		}
	}
	return true
}

// Publish delivers the event to every subscriber and consumer whose
// pattern currently matches key, synchronously, before returning — this
// is the "guarantees delivery to all currently-subscribed consumers
// before returning" contract from the spec. Within one key, subscribers
// are invoked in the order they were registered, which combined with a
// single publisher goroutine per key gives publication-order delivery.
func (b *Bus) Publish(key []string, payload any) {
	ev := Event{Key: slices.Clone(key), Payload: payload}

	b.mu.Lock()
	b.lastEvent[keyString(key)] = ev
	matched := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if matches(s.pattern, key) {
			matched = append(matched, s)
		}
	}
	matchedConsumers := make([]*consumer, 0)
	for _, c := range b.consumers {
		if matches(c.pattern, key) {
			matchedConsumers = append(matchedConsumers, c)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		s.fn(ev)
	}
	for _, c := range matchedConsumers {
		c.enqueue(ev)
	}
}

// Subscribe registers fn to be called, in the publishing goroutine, for
// every event whose key matches pattern.
func (b *Bus) Subscribe(pattern []string, fn func(Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscriber{id: id, pattern: slices.Clone(pattern), fn: fn})
	return Subscription{bus: b, id: id}
}

func (b *Bus) removeSubscriber(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// WaitUntil resolves on the first matching event satisfying pred, or
// immediately (on a pre-resolved channel) if the most recent event
// published on an already-matching exact key already satisfies it.
func (b *Bus) WaitUntil(pattern []string, pred func(Event) bool) <-chan Event {
	ch := make(chan Event, 1)

	b.mu.Lock()
	for k, ev := range b.lastEvent {
		_ = k
		if matches(pattern, ev.Key) && pred(ev) {
			b.mu.Unlock()
			ch <- ev
			return ch
		}
	}
	b.mu.Unlock()

	var sub Subscription
	sub = b.Subscribe(pattern, func(ev Event) {
		if pred(ev) {
			select {
			case ch <- ev:
			default:
			}
			sub.Unsubscribe()
		}
	})
	return ch
}

// ConsumeHandle is a durable, ack-based subscription used for
// cross-master coordination in multi-master mode.
type ConsumeHandle struct {
	c *consumer
}

// Events returns the channel of delivered-but-unacked events.
func (h ConsumeHandle) Events() <-chan Event { return h.c.ch }

// Ack acknowledges processing of an event, allowing the consumer's
// internal backlog accounting to advance. Acks are counted per call,
// not per event: acking the same event twice counts twice.
func (h ConsumeHandle) Ack(ev Event) { h.c.ack(ev) }

// Close stops delivery to this consumer.
func (h ConsumeHandle) Close() { h.c.bus.removeConsumer(h.c.id) }

type consumer struct {
	id       uint64
	bus      *Bus
	pattern  []string
	ch       chan Event
	mu       sync.Mutex
	pending  int
	acked    int
}

func (c *consumer) enqueue(ev Event) {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	c.ch <- ev
}

func (c *consumer) ack(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked++
}

// Consume registers a durable consumer with a bounded backlog. Delivery
// blocks the publisher if the backlog fills, so consumers must drain
// Events() and Ack() promptly.
func (b *Bus) Consume(pattern []string) ConsumeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	c := &consumer{id: b.nextID, bus: b, pattern: slices.Clone(pattern), ch: make(chan Event, 256)}
	b.consumers = append(b.consumers, c)
	return ConsumeHandle{c: c}
}

func (b *Bus) removeConsumer(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.consumers {
		if c.id == id {
			b.consumers = append(b.consumers[:i], b.consumers[i+1:]...)
			close(c.ch)
			return
		}
	}
}

// WaitUntilCtx is a context-aware variant of WaitUntil for callers that
// need to bound how long they wait (e.g. BuildRunner suspension points).
func (b *Bus) WaitUntilCtx(ctx context.Context, pattern []string, pred func(Event) bool) (Event, error) {
	ch := b.WaitUntil(pattern, pred)
	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
