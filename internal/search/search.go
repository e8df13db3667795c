package search

import (
	"context"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Result is a single message hit returned to the caller.
type Result struct {
	WorkspaceID string    `json:"workspaceId"`
	ChannelID   string    `json:"channelId"`
	ChannelName string    `json:"channelName"`
	ChannelKind string    `json:"channelKind"`
	MessageID   string    `json:"messageId"`
	ParentID    string    `json:"parentId,omitempty"`
	Snippet     string    `json:"snippet"`
	AuthorID    string    `json:"authorId"`
	AuthorName  string    `json:"authorName"`
	CreatedAt   time.Time `json:"createdAt"`

	dmPeers []string
}

// Query describes a search request. WorkspaceIDs is the caller's full
// membership set; backends must never match outside it.
type Query struct {
	Text         string
	UserID       string
	WorkspaceIDs []string
	Limit        int
}

// Searcher can execute a scoped message search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessages(records []MessageRecord) error
}

// RecordLoader reads every searchable message from the system of record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	ParentID    string   `json:"parentId,omitempty"`
	ChannelID   string   `json:"channelId"`
	ChannelName string   `json:"channelName"`
	ChannelKind string   `json:"channelKind"`
	DMPeers     []string `json:"dmPeers,omitempty"`
	WorkspaceID string   `json:"workspaceId"`
	AuthorID    string   `json:"authorId"`
	AuthorName  string   `json:"authorName"`
	CreatedAt   int64    `json:"createdAt"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
