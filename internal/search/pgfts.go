package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search matches message content by token (plainto_tsquery) or substring
// (ILIKE) inside the caller's workspaces, newest first.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || len(q.WorkspaceIDs) == 0 {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT c.workspace_id, m.channel_id, c.name, c.kind, c.dm_peer_a, c.dm_peer_b,
			m.id, m.parent_id,
			ts_headline('simple', m.content, plainto_tsquery('simple', $1),
				'MaxFragments=1,MaxWords=30,MinWords=5,StartSel=<mark>,StopSel=</mark>') AS snippet,
			m.author_id, u.display_name, m.created_at
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		JOIN users u ON u.id = m.author_id
		WHERE c.workspace_id = ANY($2)
			AND (c.kind = 'channel' OR $3 IN (c.dm_peer_a, c.dm_peer_b))
			AND (m.fts @@ plainto_tsquery('simple', $1) OR m.content ILIKE $4 ESCAPE '\')
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $5
	`, text, q.WorkspaceIDs, q.UserID, "%"+likeEscaper.Replace(text)+"%", clampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r            Result
			peerA, peerB sql.NullString
			parentID     sql.NullString
			createdAt    time.Time
		)
		if err := rows.Scan(&r.WorkspaceID, &r.ChannelID, &r.ChannelName, &r.ChannelKind, &peerA, &peerB,
			&r.MessageID, &parentID, &r.Snippet, &r.AuthorID, &r.AuthorName, &createdAt); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		if peerA.Valid && peerB.Valid {
			r.dmPeers = []string{peerA.String, peerB.String}
		}
		r.ParentID = parentID.String
		r.CreatedAt = createdAt.UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadAllRecords returns every message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.parent_id, m.channel_id, c.name, c.kind, c.dm_peer_a, c.dm_peer_b,
			c.workspace_id, m.author_id, u.display_name, m.created_at
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		JOIN users u ON u.id = m.author_id
		ORDER BY m.created_at, m.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var (
			r                      MessageRecord
			parentID, peerA, peerB sql.NullString
			createdAt              time.Time
		)
		if err := rows.Scan(&r.ID, &r.Content, &parentID, &r.ChannelID, &r.ChannelName, &r.ChannelKind, &peerA, &peerB,
			&r.WorkspaceID, &r.AuthorID, &r.AuthorName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.ParentID = parentID.String
		if peerA.Valid && peerB.Valid {
			r.DMPeers = []string{peerA.String, peerB.String}
		}
		r.CreatedAt = createdAt.UnixMilli()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
