package realtime

import (
	"context"
	"sync"
)

type channelSeq struct {
	mu   sync.Mutex
	refs int
	seq  uint64
}

// Publisher stamps and publishes events inside a Sequenced call.
type Publisher func(e Event)

// Sequenced runs fn while holding the channel's ordering lock. Events handed
// to the publisher get the next per-channel seq and are published before
// the lock is released, so publish order matches store acceptance order.
func (h *Hub) Sequenced(ctx context.Context, channelID string, fn func(publish Publisher) error) error {
	cs := h.acquire(channelID)
	defer h.release(channelID, cs)

	return fn(func(e Event) {
		cs.seq++
		e.Seq = cs.seq
		e.ChannelID = channelID
		h.Publish(ctx, e)
	})
}

func (h *Hub) acquire(channelID string) *channelSeq {
	h.seqMu.Lock()
	cs := h.seqs[channelID]
	if cs == nil {
		cs = &channelSeq{}
		h.seqs[channelID] = cs
	}
	cs.refs++
	h.seqMu.Unlock()

	cs.mu.Lock()
	return cs
}

// release keeps the counter for channels that saw events so seq never
// restarts while the process lives.
func (h *Hub) release(channelID string, cs *channelSeq) {
	cs.mu.Unlock()

	h.seqMu.Lock()
	cs.refs--
	if cs.refs == 0 && cs.seq == 0 {
		delete(h.seqs, channelID)
	}
	h.seqMu.Unlock()
}
