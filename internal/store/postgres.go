package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// userCapLockKey serialises profile creation so the user cap holds under
// concurrent sign-ups.
const userCapLockKey int64 = 0x6875646c

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db           *sql.DB
	retryBackoff time.Duration
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, retryBackoff: defaultRetryBackoff}
}

// WithRetryBackoff sets the pause before the single retry of a transient failure.
func (s *PostgresStore) WithRetryBackoff(d time.Duration) *PostgresStore {
	if d > 0 {
		s.retryBackoff = d
	}
	return s
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) retry(ctx context.Context, op string, fn func() error) error {
	return withRetry(ctx, s.retryBackoff, op, fn)
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Users

const userColumns = `id, email, display_name, avatar_url, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUserProfile inserts the profile for an externally verified identity.
// It is idempotent for an existing id and reports whether a row was created.
func (s *PostgresStore) CreateUserProfile(ctx context.Context, user User, maxUsers int) (User, bool, error) {
	var (
		result  User
		created bool
	)
	err := s.retry(ctx, "create user profile", func() error {
		created = false
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userCapLockKey); err != nil {
				return fmt.Errorf("lock user cap: %w", err)
			}

			existing, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, user.ID))
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup user: %w", err)
			}

			var taken bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email)=LOWER($1))`, user.Email).Scan(&taken); err != nil {
				return fmt.Errorf("check email: %w", err)
			}
			if taken {
				return ErrEmailTaken
			}

			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
				return fmt.Errorf("count users: %w", err)
			}
			if maxUsers > 0 && count >= maxUsers {
				return ErrCapacity
			}

			inserted, err := scanUser(tx.QueryRowContext(ctx, `
				INSERT INTO users (id, email, display_name, avatar_url)
				VALUES ($1, $2, $3, $4)
				RETURNING `+userColumns,
				user.ID, user.Email, user.DisplayName, user.AvatarURL))
			if err != nil {
				return fmt.Errorf("insert user: %w", err)
			}
			result = inserted
			created = true
			return nil
		})
	})
	if err != nil {
		return User{}, false, err
	}
	return result, created, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.retry(ctx, "get user", func() error {
		var err error
		user, err = scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
		return err
	})
	return user, err
}

// UpdateUserProfile changes the non-nil fields.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID string, displayName, avatarURL *string) (User, error) {
	var user User
	err := s.retry(ctx, "update user profile", func() error {
		var err error
		user, err = scanUser(s.db.QueryRowContext(ctx, `
			UPDATE users
			SET display_name = COALESCE($2, display_name),
				avatar_url = COALESCE($3, avatar_url),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+userColumns,
			userID, displayName, avatarURL))
		return err
	})
	return user, err
}

// Workspaces and memberships

// CreateWorkspace persists the workspace, the creator's admin membership and
// the default channel in one transaction.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace, general Channel) (Workspace, Channel, Membership, error) {
	var membership Membership
	err := s.retry(ctx, "create workspace", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO workspaces (id, name, created_by)
				VALUES ($1, $2, $3)
				RETURNING created_at
			`, workspace.ID, workspace.Name, workspace.CreatedBy).Scan(&workspace.CreatedAt); err != nil {
				return fmt.Errorf("insert workspace: %w", err)
			}

			membership = Membership{WorkspaceID: workspace.ID, UserID: workspace.CreatedBy, Role: "admin"}
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO memberships (workspace_id, user_id, role)
				VALUES ($1, $2, 'admin')
				RETURNING joined_at
			`, workspace.ID, workspace.CreatedBy).Scan(&membership.JoinedAt); err != nil {
				return fmt.Errorf("insert admin membership: %w", err)
			}

			general.WorkspaceID = workspace.ID
			general.Kind = ChannelKindChannel
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO channels (id, workspace_id, name, kind)
				VALUES ($1, $2, $3, 'channel')
				RETURNING created_at
			`, general.ID, general.WorkspaceID, general.Name).Scan(&general.CreatedAt); err != nil {
				return fmt.Errorf("insert default channel: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return Workspace{}, Channel{}, Membership{}, err
	}
	return workspace, general, membership, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.retry(ctx, "get workspace", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, name, created_by, created_at FROM workspaces WHERE id=$1
		`, workspaceID).Scan(&ws.ID, &ws.Name, &ws.CreatedBy, &ws.CreatedAt)
	})
	return ws, err
}

// JoinWorkspace adds a member membership if none exists and returns the
// current membership. Unknown workspaces yield sql.ErrNoRows.
func (s *PostgresStore) JoinWorkspace(ctx context.Context, workspaceID, userID string) (Membership, bool, error) {
	var (
		membership Membership
		created    bool
	)
	err := s.retry(ctx, "join workspace", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO memberships (workspace_id, user_id, role)
			SELECT $1::text, $2::text, 'member'
			WHERE EXISTS (SELECT 1 FROM workspaces WHERE id = $1::text)
			ON CONFLICT (workspace_id, user_id) DO NOTHING
		`, workspaceID, userID)
		if err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		created = affected == 1
		membership, err = getMembership(ctx, s.db, workspaceID, userID)
		return err
	})
	return membership, created, err
}

func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, userID string) (Membership, error) {
	var membership Membership
	err := s.retry(ctx, "get membership", func() error {
		var err error
		membership, err = getMembership(ctx, s.db, workspaceID, userID)
		return err
	})
	return membership, err
}

func getMembership(ctx context.Context, q queryer, workspaceID, userID string) (Membership, error) {
	m := Membership{WorkspaceID: workspaceID, UserID: userID}
	err := q.QueryRowContext(ctx, `
		SELECT role, joined_at FROM memberships WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&m.Role, &m.JoinedAt)
	return m, err
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]WorkspaceMembership, error) {
	var items []WorkspaceMembership
	err := s.retry(ctx, "list workspaces", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT w.id, w.name, w.created_by, w.created_at, m.role, m.joined_at
			FROM memberships m
			JOIN workspaces w ON w.id = m.workspace_id
			WHERE m.user_id = $1
			ORDER BY m.joined_at ASC, w.id ASC
		`, userID)
		if err != nil {
			return fmt.Errorf("list workspaces: %w", err)
		}
		defer rows.Close()

		items = make([]WorkspaceMembership, 0)
		for rows.Next() {
			var item WorkspaceMembership
			if err := rows.Scan(&item.ID, &item.Name, &item.CreatedBy, &item.CreatedAt, &item.Role, &item.JoinedAt); err != nil {
				return fmt.Errorf("scan workspace: %w", err)
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	return items, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	var members []Member
	err := s.retry(ctx, "list members", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT u.id, u.email, u.display_name, u.avatar_url, u.created_at, u.updated_at, m.role, m.joined_at
			FROM memberships m
			JOIN users u ON u.id = m.user_id
			WHERE m.workspace_id = $1
			ORDER BY m.joined_at ASC, u.id ASC
		`, workspaceID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		defer rows.Close()

		members = make([]Member, 0)
		for rows.Next() {
			var m Member
			if err := rows.Scan(&m.ID, &m.Email, &m.DisplayName, &m.AvatarURL, &m.CreatedAt, &m.UpdatedAt, &m.Role, &m.JoinedAt); err != nil {
				return fmt.Errorf("scan member: %w", err)
			}
			members = append(members, m)
		}
		return rows.Err()
	})
	return members, err
}

// Channels

const channelColumns = `c.id, c.workspace_id, c.name, c.kind, c.dm_peer_a, c.dm_peer_b, c.created_at`

func scanChannel(row interface{ Scan(...any) error }, extra ...any) (Channel, error) {
	var (
		ch           Channel
		peerA, peerB sql.NullString
	)
	dest := append([]any{&ch.ID, &ch.WorkspaceID, &ch.Name, &ch.Kind, &peerA, &peerB, &ch.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Channel{}, err
	}
	if peerA.Valid && peerB.Valid {
		ch.PeerIDs = []string{peerA.String, peerB.String}
	}
	return ch, nil
}

// ListChannels returns the workspace's public channels followed by the DMs
// userID takes part in.
func (s *PostgresStore) ListChannels(ctx context.Context, workspaceID, userID string) ([]Channel, error) {
	var channels []Channel
	err := s.retry(ctx, "list channels", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+channelColumns+`
			FROM channels c
			WHERE c.workspace_id = $1
				AND (c.kind = 'channel' OR $2 IN (c.dm_peer_a, c.dm_peer_b))
			ORDER BY c.kind ASC, c.created_at ASC, c.name ASC
		`, workspaceID, userID)
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		defer rows.Close()

		channels = make([]Channel, 0)
		for rows.Next() {
			ch, err := scanChannel(rows)
			if err != nil {
				return fmt.Errorf("scan channel: %w", err)
			}
			channels = append(channels, ch)
		}
		return rows.Err()
	})
	return channels, err
}

// CreateChannel inserts a named channel, returning the existing one when the
// name is already taken in the workspace.
func (s *PostgresStore) CreateChannel(ctx context.Context, channel Channel) (Channel, bool, error) {
	var (
		result  Channel
		created bool
	)
	err := s.retry(ctx, "create channel", func() error {
		var createdAt time.Time
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO channels (id, workspace_id, name, kind)
			VALUES ($1, $2, $3, 'channel')
			ON CONFLICT (workspace_id, name) WHERE kind = 'channel' DO NOTHING
			RETURNING created_at
		`, channel.ID, channel.WorkspaceID, channel.Name).Scan(&createdAt)
		if err == nil {
			result = channel
			result.Kind = ChannelKindChannel
			result.CreatedAt = createdAt
			created = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("insert channel: %w", err)
		}
		created = false
		result, err = scanChannel(s.db.QueryRowContext(ctx, `
			SELECT `+channelColumns+` FROM channels c
			WHERE c.workspace_id = $1 AND c.name = $2 AND c.kind = 'channel'
		`, channel.WorkspaceID, channel.Name))
		if err != nil {
			return fmt.Errorf("load channel: %w", err)
		}
		return nil
	})
	return result, created, err
}

// GetOrCreateDM returns the DM channel between two workspace members,
// creating it with channelID when absent.
func (s *PostgresStore) GetOrCreateDM(ctx context.Context, workspaceID, userA, userB, channelID string) (Channel, error) {
	peers := []string{userA, userB}
	sort.Strings(peers)
	var ch Channel
	err := s.retry(ctx, "open direct message", func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (id, workspace_id, name, kind, dm_peer_a, dm_peer_b)
			VALUES ($1, $2, $3, 'dm', $4, $5)
			ON CONFLICT (workspace_id, dm_peer_a, dm_peer_b) WHERE kind = 'dm' DO NOTHING
		`, channelID, workspaceID, "dm:"+strings.Join(peers, ":"), peers[0], peers[1]); err != nil {
			return fmt.Errorf("insert dm channel: %w", err)
		}
		var err error
		ch, err = scanChannel(s.db.QueryRowContext(ctx, `
			SELECT `+channelColumns+` FROM channels c
			WHERE c.workspace_id = $1 AND c.kind = 'dm' AND c.dm_peer_a = $2 AND c.dm_peer_b = $3
		`, workspaceID, peers[0], peers[1]))
		if err != nil {
			return fmt.Errorf("load dm channel: %w", err)
		}
		return nil
	})
	return ch, err
}

// ChannelAccess returns the channel if userID is a member of its workspace
// and, for DMs, one of the two peers. Otherwise sql.ErrNoRows.
func (s *PostgresStore) ChannelAccess(ctx context.Context, channelID, userID string) (ChannelAccess, error) {
	var access ChannelAccess
	err := s.retry(ctx, "check channel access", func() error {
		ch, err := scanChannel(s.db.QueryRowContext(ctx, `
			SELECT `+channelColumns+`, m.role
			FROM channels c
			JOIN memberships m ON m.workspace_id = c.workspace_id AND m.user_id = $2
			WHERE c.id = $1
				AND (c.kind = 'channel' OR $2 IN (c.dm_peer_a, c.dm_peer_b))
		`, channelID, userID), &access.Role)
		if err != nil {
			return err
		}
		access.Channel = ch
		return nil
	})
	return access, err
}

// Messages

const messageColumns = `m.id, m.channel_id, m.author_id, u.display_name, u.avatar_url, m.content, m.parent_id, m.created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		msg      Message
		parentID sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Author.DisplayName, &msg.Author.AvatarURL, &msg.Content, &parentID, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	msg.Author.ID = msg.AuthorID
	if parentID.Valid {
		p := parentID.String
		msg.ParentID = &p
	}
	msg.Reactions = map[string][]string{}
	msg.Attachments = []Attachment{}
	return msg, nil
}

// InsertMessage stores msg and links the staged attachments (in order) in the
// same transaction. Any ref that is unknown, uploaded by someone else or
// already linked aborts the insert with ErrAttachmentRefs.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message, attachmentIDs []string) (Message, error) {
	err := s.retry(ctx, "insert message", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, channel_id, author_id, content, parent_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, msg.ParentID, msg.CreatedAt); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}

			for position, attachmentID := range attachmentIDs {
				res, err := tx.ExecContext(ctx, `
					UPDATE attachments
					SET message_id = $1, position = $2
					WHERE id = $3 AND uploader_id = $4 AND message_id IS NULL
				`, msg.ID, position, attachmentID, msg.AuthorID)
				if err != nil {
					return fmt.Errorf("link attachment: %w", err)
				}
				affected, err := res.RowsAffected()
				if err != nil {
					return fmt.Errorf("link attachment: %w", err)
				}
				if affected != 1 {
					return fmt.Errorf("%w: %s", ErrAttachmentRefs, attachmentID)
				}
			}
			return nil
		})
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, msg.ID)
}

// GetMessage returns a message with author, attachments, reactions and, for
// top-level messages, its replies.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var msg Message
	err := s.retry(ctx, "get message", func() error {
		var err error
		msg, err = scanMessage(s.db.QueryRowContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages m
			JOIN users u ON u.id = m.author_id
			WHERE m.id = $1
		`, messageID))
		if err != nil {
			return err
		}
		top := []Message{msg}
		if msg.ParentID == nil {
			if err := s.attachReplies(ctx, top); err != nil {
				return err
			}
		} else {
			top[0].Replies = []Message{}
		}
		if err := s.hydrate(ctx, top); err != nil {
			return err
		}
		msg = top[0]
		return nil
	})
	return msg, err
}

// ListMessages pages forward through the channel's top-level messages in
// (created_at, id) order, starting after the cursor when given.
func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, after *PageCursor, limit int) (MessagePage, error) {
	var page MessagePage
	err := s.retry(ctx, "list messages", func() error {
		query := `
			SELECT ` + messageColumns + `
			FROM messages m
			JOIN users u ON u.id = m.author_id
			WHERE m.channel_id = $1 AND m.parent_id IS NULL`
		args := []any{channelID}
		if after != nil {
			query += ` AND (m.created_at, m.id) > ($2, $3)`
			args = append(args, after.CreatedAt, after.ID)
		}
		query += fmt.Sprintf(` ORDER BY m.created_at ASC, m.id ASC LIMIT %d`, limit+1)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		defer rows.Close()

		messages := make([]Message, 0, limit)
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			messages = append(messages, msg)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate messages: %w", err)
		}

		page = MessagePage{Messages: messages}
		if len(messages) > limit {
			page.Messages = messages[:limit]
			page.HasMore = true
		}
		if n := len(page.Messages); n > 0 && page.HasMore {
			last := page.Messages[n-1]
			page.NextCursor = EncodeCursor(PageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		}

		if err := s.attachReplies(ctx, page.Messages); err != nil {
			return err
		}
		return s.hydrate(ctx, page.Messages)
	})
	return page, err
}

func (s *PostgresStore) attachReplies(ctx context.Context, parents []Message) error {
	if len(parents) == 0 {
		return nil
	}
	ids := make([]string, len(parents))
	index := make(map[string]int, len(parents))
	for i := range parents {
		ids[i] = parents[i].ID
		index[parents[i].ID] = i
		parents[i].Replies = []Message{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.parent_id = ANY($1)
		ORDER BY m.created_at ASC, m.id ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		reply, err := scanMessage(rows)
		if err != nil {
			return fmt.Errorf("scan reply: %w", err)
		}
		reply.Replies = []Message{}
		i := index[*reply.ParentID]
		parents[i].Replies = append(parents[i].Replies, reply)
	}
	return rows.Err()
}

// hydrate loads reactions and attachments for the messages and their replies.
func (s *PostgresStore) hydrate(ctx context.Context, messages []Message) error {
	targets := map[string]*Message{}
	var ids []string
	for i := range messages {
		targets[messages[i].ID] = &messages[i]
		ids = append(ids, messages[i].ID)
		for j := range messages[i].Replies {
			targets[messages[i].Replies[j].ID] = &messages[i].Replies[j]
			ids = append(ids, messages[i].Replies[j].ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	reactionRows, err := s.db.QueryContext(ctx, `
		SELECT message_id, emoji, user_id
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY message_id, emoji, user_id
	`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer reactionRows.Close()
	for reactionRows.Next() {
		var messageID, emoji, userID string
		if err := reactionRows.Scan(&messageID, &emoji, &userID); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		msg := targets[messageID]
		msg.Reactions[emoji] = append(msg.Reactions[emoji], userID)
	}
	if err := reactionRows.Err(); err != nil {
		return fmt.Errorf("iterate reactions: %w", err)
	}

	attachmentRows, err := s.db.QueryContext(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer attachmentRows.Close()
	for attachmentRows.Next() {
		a, err := scanAttachment(attachmentRows)
		if err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		msg := targets[*a.MessageID]
		msg.Attachments = append(msg.Attachments, a)
	}
	return attachmentRows.Err()
}

// ToggleReaction flips the (message, user, emoji) row in a single statement
// and returns whether it is now present plus the message's full reaction set.
func (s *PostgresStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, map[string][]string, error) {
	var (
		added     bool
		reactions map[string][]string
	)
	err := s.retry(ctx, "toggle reaction", func() error {
		if err := s.db.QueryRowContext(ctx, `
			WITH del AS (
				DELETE FROM message_reactions
				WHERE message_id = $1 AND user_id = $2 AND emoji = $3
				RETURNING 1
			), ins AS (
				INSERT INTO message_reactions (message_id, user_id, emoji)
				SELECT $1, $2, $3
				WHERE NOT EXISTS (SELECT 1 FROM del)
				ON CONFLICT (message_id, user_id, emoji) DO NOTHING
				RETURNING 1
			)
			SELECT EXISTS (SELECT 1 FROM ins)
		`, messageID, userID, emoji).Scan(&added); err != nil {
			return fmt.Errorf("toggle reaction: %w", err)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT emoji, user_id FROM message_reactions
			WHERE message_id = $1
			ORDER BY emoji, user_id
		`, messageID)
		if err != nil {
			return fmt.Errorf("load reactions: %w", err)
		}
		defer rows.Close()
		reactions = map[string][]string{}
		for rows.Next() {
			var e, u string
			if err := rows.Scan(&e, &u); err != nil {
				return fmt.Errorf("scan reaction: %w", err)
			}
			reactions[e] = append(reactions[e], u)
		}
		return rows.Err()
	})
	return added, reactions, err
}

// Attachments

const attachmentColumns = `id, uploader_id, message_id, file_name, mime_type, size_bytes, object_name, url, position, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (Attachment, error) {
	var (
		a         Attachment
		messageID sql.NullString
	)
	if err := row.Scan(&a.ID, &a.UploaderID, &messageID, &a.FileName, &a.MIMEType, &a.Size, &a.ObjectName, &a.URL, &a.Position, &a.CreatedAt); err != nil {
		return Attachment{}, err
	}
	if messageID.Valid {
		id := messageID.String
		a.MessageID = &id
	}
	return a, nil
}

// InsertAttachment records an uploaded, not yet linked attachment.
func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	var stored Attachment
	err := s.retry(ctx, "insert attachment", func() error {
		var err error
		stored, err = scanAttachment(s.db.QueryRowContext(ctx, `
			INSERT INTO attachments (id, uploader_id, file_name, mime_type, size_bytes, object_name, url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+attachmentColumns,
			a.ID, a.UploaderID, a.FileName, a.MIMEType, a.Size, a.ObjectName, a.URL))
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		return nil
	})
	return stored, err
}
