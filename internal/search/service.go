package search

import (
	"context"
	"slices"
	"strings"
	"time"

	"huddle/api/internal/logger"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	loader   RecordLoader
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	if meili != nil && pgfts != nil {
		meili.OnRecover(s.reindexAfterOutage)
	}
	return s
}

// reindexAfterOutage pushes messages that were skipped while the primary
// index was unreachable.
func (s *Service) reindexAfterOutage() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	count, err := s.ReindexAll(ctx)
	if err != nil {
		logger.Warn("search_recovery_reindex_failed", "indexed", count, "error", err)
		return
	}
	logger.Info("search_recovery_reindex_done", "indexed", count)
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
// Every hit is re-checked against the caller's scope before it is returned.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.WorkspaceIDs) == 0 {
		return []Result{}, nil
	}
	q.Text = strings.TrimSpace(q.Text)
	q.Limit = clampLimit(q.Limit)

	if s.primary != nil && s.primary.Healthy() {
		results, err := s.primary.Search(ctx, q)
		if err == nil {
			return withinScope(results, q), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("search_primary_failed", "error", err)
	}

	if s.fallback == nil {
		return []Result{}, nil
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return withinScope(results, q), nil
}

// withinScope drops hits outside the caller's scope and orders the rest
// newest first, message id breaking ties.
func withinScope(results []Result, q Query) []Result {
	scoped := make([]Result, 0, len(results))
	for _, r := range results {
		if !slices.Contains(q.WorkspaceIDs, r.WorkspaceID) {
			continue
		}
		if r.ChannelKind != "channel" && !slices.Contains(r.dmPeers, q.UserID) {
			continue
		}
		scoped = append(scoped, r)
	}
	slices.SortStableFunc(scoped, func(a, b Result) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.MessageID, a.MessageID)
	})
	if q.Limit > 0 && len(scoped) > q.Limit {
		scoped = scoped[:q.Limit]
	}
	return scoped
}

// IndexMessage indexes a message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(record MessageRecord) {
	if s.indexer == nil || s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.IndexMessages([]MessageRecord{record}); err != nil {
			logger.Warn("search_index_failed", "message_id", record.ID, "error", err)
		}
	}()
}

// ReindexAll reads all messages from PG and pushes them to Meilisearch.
// It returns the number of records pushed.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if s.indexer == nil || s.loader == nil || s.primary == nil || !s.primary.Healthy() {
		return 0, nil
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	const batch = 500
	for start := 0; start < len(records); start += batch {
		end := min(start+batch, len(records))
		if err := s.indexer.IndexMessages(records[start:end]); err != nil {
			return start, err
		}
	}
	return len(records), nil
}
