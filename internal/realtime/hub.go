package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"huddle/api/internal/logger"
)

const DefaultBuffer = 64

// Relay carries events between instances. When set, the hub publishes
// through it and delivers whatever the relay hands back via Deliver.
type Relay interface {
	Publish(ctx context.Context, e Event) error
}

// Subscription is one listener on one channel. Its event channel is closed
// when the subscription ends, either by Close or because the listener fell
// behind and was dropped.
type Subscription struct {
	id        uint64
	channelID string
	events    chan Event
	hub       *Hub
	dropped   atomic.Bool
	closeOnce sync.Once
}

func (s *Subscription) ChannelID() string { return s.channelID }

func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped reports whether the hub ended the subscription for being too slow.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.hub.remove(s)
}

type Stats struct {
	Subscribers int64
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

// Hub keeps the live subscriptions per channel.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[uint64]*Subscription
	buffer   int
	nextID   uint64
	relay    Relay

	seqMu sync.Mutex
	seqs  map[string]*channelSeq

	subscribers atomic.Int64
	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		channels: make(map[string]map[uint64]*Subscription),
		buffer:   buffer,
		seqs:     make(map[string]*channelSeq),
	}
}

// SetRelay routes publishes through r. Call before serving traffic.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

func (h *Hub) Subscribe(channelID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		channelID: channelID,
		events:    make(chan Event, h.buffer),
		hub:       h,
	}
	subs := h.channels[channelID]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		h.channels[channelID] = subs
	}
	subs[sub.id] = sub
	h.subscribers.Add(1)
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	sub.closeOnce.Do(func() {
		if subs := h.channels[sub.channelID]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(h.channels, sub.channelID)
			}
		}
		close(sub.events)
		h.subscribers.Add(-1)
	})
}

// Publish hands e to the relay when configured, otherwise delivers locally.
func (h *Hub) Publish(ctx context.Context, e Event) {
	h.published.Add(1)
	if h.relay != nil {
		err := h.relay.Publish(ctx, e)
		if err == nil {
			return
		}
		logger.Warn("realtime_relay_publish_failed", "channel_id", e.ChannelID, "kind", e.Kind, "error", err)
	}
	h.Deliver(e)
}

// Deliver pushes e to every local subscriber of its channel. A subscriber
// whose buffer is full is dropped; the others are unaffected.
func (h *Hub) Deliver(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.channels[e.ChannelID] {
		select {
		case sub.events <- e:
			h.delivered.Add(1)
		default:
			sub.dropped.Store(true)
			h.removeLocked(sub)
			h.dropped.Add(1)
			logger.Warn("realtime_subscriber_dropped", "channel_id", e.ChannelID, "subscription_id", sub.id)
		}
	}
}

func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.subscribers.Load(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}
