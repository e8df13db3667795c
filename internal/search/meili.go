package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"huddle/api/internal/logger"
)

const idxMessages = "huddle_messages"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client    meili.ServiceManager
	healthy   atomic.Bool
	onRecover atomic.Pointer[func()]
	done      chan struct{}
}

// NewMeili creates a Meilisearch client and configures the message index.
// The client is returned even when Meilisearch is down; Healthy reports state.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch_unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMessages,
		PrimaryKey: "id",
	}); err != nil {
		logger.Debug("meilisearch_create_index", "index", idxMessages, "error", err)
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"workspaceId", "channelId", "channelKind", "dmPeers", "authorId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.Warn("meilisearch_filterable_attrs", "index", idxMessages, "error", err)
	}
	searchable := []string{"content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.Warn("meilisearch_searchable_attrs", "index", idxMessages, "error", err)
	}
	sortable := []string{"createdAt", "id"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		logger.Warn("meilisearch_sortable_attrs", "index", idxMessages, "error", err)
	}
	// Sort first: results are recency ordered, relevance only breaks ties.
	ranking := []string{"sort", "words", "typo", "proximity", "attribute", "exactness"}
	if _, err := index.UpdateRankingRules(&ranking); err != nil {
		logger.Warn("meilisearch_ranking_rules", "index", idxMessages, "error", err)
	}
}

// OnRecover registers fn to run after Meilisearch comes back from an outage.
func (m *Meili) OnRecover(fn func()) {
	m.onRecover.Store(&fn)
}

func (m *Meili) setHealth(err error) {
	wasHealthy := m.healthy.Swap(err == nil)
	if err != nil || wasHealthy {
		return
	}
	logger.Info("meilisearch_recovered")
	m.configureIndex()
	if fn := m.onRecover.Load(); fn != nil {
		go (*fn)()
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			m.setHealth(err)
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs the query with the membership scope expressed as an index filter.
func (m *Meili) Search(ctx context.Context, q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(q.WorkspaceIDs) == 0 {
		return nil, nil
	}

	resp, err := m.client.Index(idxMessages).Search(q.Text, &meili.SearchRequest{
		Filter:                scopeFilter(q),
		Sort:                  []string{"createdAt:desc", "id:desc"},
		Limit:                 int64(clampLimit(q.Limit)),
		AttributesToCrop:      []string{"content"},
		CropLength:            30,
		AttributesToHighlight: []string{"content"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, nil
}

// scopeFilter limits hits to the caller's workspaces and, for DMs, to
// conversations the caller is part of.
func scopeFilter(q Query) string {
	quoted := make([]string, len(q.WorkspaceIDs))
	for i, id := range q.WorkspaceIDs {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf(`workspaceId IN [%s] AND (channelKind = "channel" OR dmPeers = %s)`,
		strings.Join(quoted, ", "), strconv.Quote(q.UserID))
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		WorkspaceID: decodeString(hit, "workspaceId"),
		ChannelID:   decodeString(hit, "channelId"),
		ChannelName: decodeString(hit, "channelName"),
		ChannelKind: decodeString(hit, "channelKind"),
		MessageID:   decodeString(hit, "id"),
		ParentID:    decodeString(hit, "parentId"),
		AuthorID:    decodeString(hit, "authorId"),
		AuthorName:  decodeString(hit, "authorName"),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content")),
	}
	if raw, ok := hit["createdAt"]; ok {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			r.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	if raw, ok := hit["dmPeers"]; ok {
		_ = json.Unmarshal(raw, &r.dmPeers)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexMessages adds or updates messages in the search index.
func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(records, nil)
	return err
}
