package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

const (
	ChannelKindChannel = "channel"
	ChannelKindDM      = "dm"

	DefaultChannelName = "general"
)

var (
	// ErrCapacity is returned when the user cap would be exceeded.
	ErrCapacity = errors.New("user capacity reached")
	// ErrEmailTaken is returned when another user already owns the email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrAttachmentRefs is returned when a post references attachments that are
	// unknown, owned by someone else, or already linked to a message.
	ErrAttachmentRefs = errors.New("invalid attachment references")
)

type User struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Workspace struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

type Membership struct {
	WorkspaceID string
	UserID      string
	Role        string
	JoinedAt    time.Time
}

// WorkspaceMembership is a workspace as seen by one of its members.
type WorkspaceMembership struct {
	Workspace
	Role     string
	JoinedAt time.Time
}

type Member struct {
	User
	Role     string
	JoinedAt time.Time
}

type Channel struct {
	ID          string
	WorkspaceID string
	Name        string
	Kind        string
	// PeerIDs is set for DM channels only, sorted.
	PeerIDs   []string
	CreatedAt time.Time
}

// ChannelAccess is a channel the caller may read and post to, with the
// caller's workspace role.
type ChannelAccess struct {
	Channel
	Role string
}

type AuthorSummary struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

type Attachment struct {
	ID         string
	UploaderID string
	MessageID  *string
	FileName   string
	MIMEType   string
	Size       int64
	ObjectName string
	URL        string
	Position   int
	CreatedAt  time.Time
}

type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	Author      AuthorSummary
	Content     string
	ParentID    *string
	CreatedAt   time.Time
	Reactions   map[string][]string
	Attachments []Attachment
	Replies     []Message
}

type MessagePage struct {
	Messages   []Message
	NextCursor string
	HasMore    bool
}

// PageCursor marks the last top-level message of a page.
type PageCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

var ErrInvalidCursor = errors.New("invalid cursor")

func EncodeCursor(c PageCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(value string) (PageCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return PageCursor{}, ErrInvalidCursor
	}
	var c PageCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" || c.CreatedAt.IsZero() {
		return PageCursor{}, ErrInvalidCursor
	}
	return c, nil
}
