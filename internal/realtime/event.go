// Package realtime fans accepted writes out to live channel subscribers.
package realtime

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindMessageCreated  Kind = "message.created"
	KindReplyCreated    Kind = "reply.created"
	KindReactionChanged Kind = "reaction.changed"
	KindTypingStarted   Kind = "typing.started"
	KindTypingStopped   Kind = "typing.stopped"
)

// Event is what subscribers of a channel receive. Seq increases per channel
// in the order events were accepted.
type Event struct {
	Kind        Kind            `json:"kind"`
	ChannelID   string          `json:"channelId"`
	WorkspaceID string          `json:"workspaceId"`
	Seq         uint64          `json:"seq"`
	MessageID   string          `json:"messageId,omitempty"`
	At          time.Time       `json:"at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with payload marshalled to JSON.
func NewEvent(kind Kind, channelID, workspaceID, messageID string, payload any) Event {
	e := Event{
		Kind:        kind,
		ChannelID:   channelID,
		WorkspaceID: workspaceID,
		MessageID:   messageID,
		At:          time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}
