package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"huddle/api/internal/attach"
	"huddle/api/internal/auth"
	"huddle/api/internal/config"
	"huddle/api/internal/logger"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200

	maxNameRunes  = 80
	maxEmojiBytes = 16
	maxEmojiRunes = 8
)

type PostInput struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachmentIds"`
}

type ProfileUpdate struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

// ReactionResult is the reaction set of a message after a toggle.
type ReactionResult struct {
	MessageID string
	ChannelID string
	Emoji     string
	Added     bool
	Reactions map[string][]string
}

type dataStore interface {
	Ping(context.Context) error
	CreateUserProfile(context.Context, store.User, int) (store.User, bool, error)
	GetUser(context.Context, string) (store.User, error)
	UpdateUserProfile(context.Context, string, *string, *string) (store.User, error)
	CreateWorkspace(context.Context, store.Workspace, store.Channel) (store.Workspace, store.Channel, store.Membership, error)
	JoinWorkspace(context.Context, string, string) (store.Membership, bool, error)
	GetMembership(context.Context, string, string) (store.Membership, error)
	ListWorkspacesForUser(context.Context, string) ([]store.WorkspaceMembership, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	ListChannels(context.Context, string, string) ([]store.Channel, error)
	CreateChannel(context.Context, store.Channel) (store.Channel, bool, error)
	GetOrCreateDM(context.Context, string, string, string, string) (store.Channel, error)
	ChannelAccess(context.Context, string, string) (store.ChannelAccess, error)
	InsertMessage(context.Context, store.Message, []string) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string, *store.PageCursor, int) (store.MessagePage, error)
	ToggleReaction(context.Context, string, string, string) (bool, map[string][]string, error)
}

type searchService interface {
	Search(context.Context, search.Query) ([]search.Result, error)
	IndexMessage(search.MessageRecord)
}

type attachmentStager interface {
	StageAll(context.Context, string, []attach.File) []attach.Result
}

type presenceLayer interface {
	SetTyping(ctx context.Context, channelID, userID string) (bool, error)
	ClearTyping(ctx context.Context, channelID, userID string)
	ListTyping(ctx context.Context, channelID string) ([]string, error)
	SaveDraft(channelID, userID, text string)
	GetDraft(ctx context.Context, channelID, userID string) (string, error)
	ClearDraft(ctx context.Context, channelID, userID string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	hub      *realtime.Hub
	search   searchService
	attach   attachmentStager
	presence presenceLayer
	now      func() time.Time

	// channel id -> workspace id, filled by access checks so typing events
	// emitted from timers can carry the workspace.
	channelWorkspace sync.Map
}

// Deps are the collaborators of the service. Search, Attachments and
// Presence are optional.
type Deps struct {
	Store       dataStore
	Hub         *realtime.Hub
	Search      searchService
	Attachments attachmentStager
	Presence    presenceLayer
}

func New(cfg config.Config, deps Deps) *Service {
	hub := deps.Hub
	if hub == nil {
		hub = realtime.NewHub(cfg.SubscriberBuffer)
	}
	if cfg.MaxMessageRunes <= 0 {
		cfg.MaxMessageRunes = 4000
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		hub:      hub,
		search:   deps.Search,
		attach:   deps.Attachments,
		presence: deps.Presence,
		now:      time.Now,
	}
}

// SetPresence wires the presence layer after construction; the layer needs
// the service as its typing notifier.
func (s *Service) SetPresence(p presenceLayer) {
	s.presence = p
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Profiles

func (s *Service) CreateProfile(ctx context.Context, identity auth.Identity, displayName string) (store.User, bool, error) {
	displayName = strings.TrimSpace(displayName)
	if utf8.RuneCountInString(displayName) > maxNameRunes {
		return store.User{}, false, validationError("displayName must be at most 80 characters", nil)
	}
	if displayName == "" {
		displayName, _, _ = strings.Cut(identity.Email, "@")
	}
	user, created, err := s.store.CreateUserProfile(context.WithoutCancel(ctx), store.User{
		ID:          identity.UserID,
		Email:       identity.Email,
		DisplayName: displayName,
	}, s.cfg.MaxUsers)
	if err != nil {
		return store.User{}, false, err
	}
	if created {
		logger.Info("profile_created", "user_id", user.ID)
	}
	return user, created, nil
}

func (s *Service) GetProfile(ctx context.Context, userID string) (store.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, notFound("Profile not found")
	}
	return user, err
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, input ProfileUpdate) (store.User, error) {
	if input.DisplayName != nil {
		name := strings.TrimSpace(*input.DisplayName)
		if name == "" || utf8.RuneCountInString(name) > maxNameRunes {
			return store.User{}, validationError("displayName must be 1 to 80 characters", nil)
		}
		input.DisplayName = &name
	}
	if input.AvatarURL != nil {
		avatar := strings.TrimSpace(*input.AvatarURL)
		input.AvatarURL = &avatar
	}
	user, err := s.store.UpdateUserProfile(context.WithoutCancel(ctx), userID, input.DisplayName, input.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, profileRequired()
	}
	return user, err
}

func (s *Service) requireProfile(ctx context.Context, userID string) error {
	_, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return profileRequired()
	}
	return err
}

// Workspaces and channels

func (s *Service) CreateWorkspace(ctx context.Context, userID, name string) (store.Workspace, store.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Workspace{}, store.Channel{}, validationError("name is required", nil)
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return store.Workspace{}, store.Channel{}, validationError("name must be at most 80 characters", nil)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.requireProfile(ctx, userID); err != nil {
		return store.Workspace{}, store.Channel{}, err
	}
	ws, general, _, err := s.store.CreateWorkspace(ctx,
		store.Workspace{ID: util.NewID("wsp"), Name: name, CreatedBy: userID},
		store.Channel{ID: util.NewID("chn"), Name: store.DefaultChannelName},
	)
	if err != nil {
		return store.Workspace{}, store.Channel{}, err
	}
	logger.Info("workspace_created", "workspace_id", ws.ID, "user_id", userID)
	return ws, general, nil
}

func (s *Service) JoinWorkspace(ctx context.Context, userID, workspaceID string) (store.Membership, error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.requireProfile(ctx, userID); err != nil {
		return store.Membership{}, err
	}
	membership, created, err := s.store.JoinWorkspace(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, notFound("Workspace not found")
	}
	if err != nil {
		return store.Membership{}, err
	}
	if created {
		logger.Info("workspace_joined", "workspace_id", workspaceID, "user_id", userID)
	}
	return membership, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, userID string) ([]store.WorkspaceMembership, error) {
	return s.store.ListWorkspacesForUser(ctx, userID)
}

// requireMember returns the caller's membership, or FORBIDDEN for
// non-members and unknown workspaces alike.
func (s *Service) requireMember(ctx context.Context, userID, workspaceID string) (store.Membership, error) {
	membership, err := s.store.GetMembership(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, forbidden("Not a member of this workspace")
	}
	return membership, err
}

func (s *Service) ListChannels(ctx context.Context, userID, workspaceID string) ([]store.Channel, error) {
	if _, err := s.requireMember(ctx, userID, workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListChannels(ctx, workspaceID, userID)
}

func (s *Service) ListMembers(ctx context.Context, userID, workspaceID string) ([]store.Member, error) {
	if _, err := s.requireMember(ctx, userID, workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, workspaceID)
}

func (s *Service) CreateChannel(ctx context.Context, userID, workspaceID, name string) (store.Channel, bool, error) {
	ctx = context.WithoutCancel(ctx)
	membership, err := s.requireMember(ctx, userID, workspaceID)
	if err != nil {
		return store.Channel{}, false, err
	}
	if !rbac.Can(rbac.Normalize(membership.Role), rbac.ActionManageChannel) {
		return store.Channel{}, false, forbidden("Only admins can create channels")
	}
	name = normalizeChannelName(name)
	if name == "" {
		return store.Channel{}, false, validationError("name is required", nil)
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return store.Channel{}, false, validationError("name must be at most 80 characters", nil)
	}
	channel, created, err := s.store.CreateChannel(ctx, store.Channel{
		ID:          util.NewID("chn"),
		WorkspaceID: workspaceID,
		Name:        name,
	})
	if err != nil {
		return store.Channel{}, false, err
	}
	if created {
		logger.Info("channel_created", "workspace_id", workspaceID, "channel_id", channel.ID, "user_id", userID)
	}
	return channel, created, nil
}

func normalizeChannelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "#")))
	return strings.Join(strings.Fields(name), "-")
}

// OpenDirectMessage returns the DM channel between the caller and peerID,
// creating it on first use. Both must be members of the workspace.
func (s *Service) OpenDirectMessage(ctx context.Context, userID, workspaceID, peerID string) (store.Channel, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.requireMember(ctx, userID, workspaceID); err != nil {
		return store.Channel{}, err
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return store.Channel{}, validationError("userId is required", nil)
	}
	if _, err := s.store.GetMembership(ctx, workspaceID, peerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Channel{}, validationError("That user is not a member of this workspace", nil)
		}
		return store.Channel{}, err
	}
	return s.store.GetOrCreateDM(ctx, workspaceID, userID, peerID, util.NewID("chn"))
}

// requireChannel loads the channel if the caller may use it. Unknown
// channels are reported as FORBIDDEN so ids cannot be probed.
func (s *Service) requireChannel(ctx context.Context, userID, channelID string) (store.ChannelAccess, error) {
	access, err := s.store.ChannelAccess(ctx, channelID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ChannelAccess{}, forbidden("Not a member of this channel")
	}
	if err != nil {
		return store.ChannelAccess{}, err
	}
	s.channelWorkspace.Store(access.ID, access.WorkspaceID)
	return access, nil
}

// CanSubscribe applies the read check to realtime subscriptions.
func (s *Service) CanSubscribe(ctx context.Context, userID, channelID string) error {
	_, err := s.requireChannel(ctx, userID, channelID)
	return err
}

// Messages

func (s *Service) validateContent(content string, attachments int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && attachments == 0 {
		return "", validationError("content is required", nil)
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxMessageRunes {
		return "", validationError(fmt.Sprintf("content must be at most %d characters", s.cfg.MaxMessageRunes), map[string]any{"length": n})
	}
	return content, nil
}

func (s *Service) PostMessage(ctx context.Context, userID, channelID string, input PostInput) (store.Message, error) {
	ctx = context.WithoutCancel(ctx)
	access, err := s.requireChannel(ctx, userID, channelID)
	if err != nil {
		return store.Message{}, err
	}
	if !rbac.Can(rbac.Normalize(access.Role), rbac.ActionPost) {
		return store.Message{}, forbidden("Posting is not allowed")
	}
	content, err := s.validateContent(input.Content, len(input.AttachmentIDs))
	if err != nil {
		return store.Message{}, err
	}
	return s.insertAndPublish(ctx, access, store.Message{
		ChannelID: channelID,
		AuthorID:  userID,
		Content:   content,
	}, input.AttachmentIDs)
}

// PostReply adds a reply under parentID. Replying to a reply attaches to its
// top-level parent so threads stay one level deep.
func (s *Service) PostReply(ctx context.Context, userID, channelID, parentID string, input PostInput) (store.Message, error) {
	ctx = context.WithoutCancel(ctx)
	access, err := s.requireChannel(ctx, userID, channelID)
	if err != nil {
		return store.Message{}, err
	}
	if !rbac.Can(rbac.Normalize(access.Role), rbac.ActionPost) {
		return store.Message{}, forbidden("Posting is not allowed")
	}
	content, err := s.validateContent(input.Content, len(input.AttachmentIDs))
	if err != nil {
		return store.Message{}, err
	}
	parent, err := s.store.GetMessage(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && parent.ChannelID != channelID) {
		return store.Message{}, notFound("Parent message not found")
	}
	if err != nil {
		return store.Message{}, err
	}
	topID := parent.ID
	if parent.ParentID != nil {
		topID = *parent.ParentID
	}
	return s.insertAndPublish(ctx, access, store.Message{
		ChannelID: channelID,
		AuthorID:  userID,
		Content:   content,
		ParentID:  &topID,
	}, input.AttachmentIDs)
}

// insertAndPublish stores msg and emits its event under the channel's
// sequencer, so ids, timestamps and event seq all follow acceptance order.
func (s *Service) insertAndPublish(ctx context.Context, access store.ChannelAccess, msg store.Message, attachmentIDs []string) (store.Message, error) {
	var saved store.Message
	err := s.hub.Sequenced(ctx, access.ID, func(publish realtime.Publisher) error {
		msg.ID = util.NewID("msg")
		msg.CreatedAt = s.now().UTC()
		var err error
		saved, err = s.store.InsertMessage(ctx, msg, attachmentIDs)
		if err != nil {
			return err
		}
		kind := realtime.KindMessageCreated
		if saved.ParentID != nil {
			kind = realtime.KindReplyCreated
		}
		publish(realtime.NewEvent(kind, access.ID, access.WorkspaceID, saved.ID, messageView(saved)))
		return nil
	})
	if errors.Is(err, store.ErrAttachmentRefs) {
		return store.Message{}, validationError("attachmentIds must reference your own unsent attachments", nil)
	}
	if err != nil {
		return store.Message{}, err
	}

	if s.presence != nil {
		if err := s.presence.ClearDraft(ctx, access.ID, msg.AuthorID); err != nil {
			logger.Warn("draft_clear_failed", "channel_id", access.ID, "user_id", msg.AuthorID, "error", err)
		}
		s.presence.ClearTyping(ctx, access.ID, msg.AuthorID)
	}
	if s.search != nil {
		s.search.IndexMessage(searchRecord(access.Channel, saved))
	}
	logger.Info("message_posted",
		"message_id", saved.ID,
		"channel_id", access.ID,
		"user_id", msg.AuthorID,
		"reply", saved.ParentID != nil,
		"attachments", len(saved.Attachments),
	)
	return saved, nil
}

func searchRecord(channel store.Channel, msg store.Message) search.MessageRecord {
	record := search.MessageRecord{
		ID:          msg.ID,
		Content:     msg.Content,
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		ChannelKind: channel.Kind,
		DMPeers:     channel.PeerIDs,
		WorkspaceID: channel.WorkspaceID,
		AuthorID:    msg.AuthorID,
		AuthorName:  msg.Author.DisplayName,
		CreatedAt:   msg.CreatedAt.UnixMilli(),
	}
	if msg.ParentID != nil {
		record.ParentID = *msg.ParentID
	}
	return record
}

// messageFor loads a message the caller can read; anything else is NOT_FOUND.
func (s *Service) messageFor(ctx context.Context, userID, messageID string) (store.Message, store.ChannelAccess, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ChannelAccess{}, notFound("Message not found")
	}
	if err != nil {
		return store.Message{}, store.ChannelAccess{}, err
	}
	access, err := s.requireChannel(ctx, userID, msg.ChannelID)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Status == http.StatusForbidden {
			return store.Message{}, store.ChannelAccess{}, notFound("Message not found")
		}
		return store.Message{}, store.ChannelAccess{}, err
	}
	return msg, access, nil
}

func (s *Service) GetMessage(ctx context.Context, userID, messageID string) (store.Message, error) {
	msg, _, err := s.messageFor(ctx, userID, messageID)
	return msg, err
}

func validateEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return "", validationError("emoji is required", nil)
	}
	if len(emoji) > maxEmojiBytes || utf8.RuneCountInString(emoji) > maxEmojiRunes || !utf8.ValidString(emoji) {
		return "", validationError("emoji must be a single emoji", nil)
	}
	return emoji, nil
}

// ToggleReaction adds the caller's reaction or removes it if already present.
func (s *Service) ToggleReaction(ctx context.Context, userID, messageID, emoji string) (ReactionResult, error) {
	ctx = context.WithoutCancel(ctx)
	emoji, err := validateEmoji(emoji)
	if err != nil {
		return ReactionResult{}, err
	}
	msg, access, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return ReactionResult{}, err
	}
	if !rbac.Can(rbac.Normalize(access.Role), rbac.ActionReact) {
		return ReactionResult{}, forbidden("Reacting is not allowed")
	}

	result := ReactionResult{MessageID: msg.ID, ChannelID: access.ID, Emoji: emoji}
	err = s.hub.Sequenced(ctx, access.ID, func(publish realtime.Publisher) error {
		added, reactions, err := s.store.ToggleReaction(ctx, msg.ID, userID, emoji)
		if err != nil {
			return err
		}
		result.Added = added
		result.Reactions = reactions
		publish(realtime.NewEvent(realtime.KindReactionChanged, access.ID, access.WorkspaceID, msg.ID, map[string]any{
			"messageId": msg.ID,
			"emoji":     emoji,
			"userId":    userID,
			"added":     added,
			"reactions": reactions,
		}))
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ReactionResult{}, notFound("Message not found")
	}
	if err != nil {
		return ReactionResult{}, err
	}
	logger.Debug("reaction_toggled", "message_id", msg.ID, "user_id", userID, "added", result.Added)
	return result, nil
}

func (s *Service) ListMessages(ctx context.Context, userID, channelID, cursor string, limit int) (store.MessagePage, error) {
	if _, err := s.requireChannel(ctx, userID, channelID); err != nil {
		return store.MessagePage{}, err
	}
	var after *store.PageCursor
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		decoded, err := store.DecodeCursor(cursor)
		if err != nil {
			return store.MessagePage{}, validationError("cursor is invalid", nil)
		}
		after = &decoded
	}
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}
	return s.store.ListMessages(ctx, channelID, after, limit)
}

// Search

func (s *Service) Search(ctx context.Context, userID, text string, limit int) ([]search.Result, error) {
	if strings.TrimSpace(text) == "" || s.search == nil {
		return []search.Result{}, nil
	}
	memberships, err := s.store.ListWorkspacesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return []search.Result{}, nil
	}
	workspaceIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		workspaceIDs = append(workspaceIDs, m.ID)
	}
	return s.search.Search(ctx, search.Query{
		Text:         text,
		UserID:       userID,
		WorkspaceIDs: workspaceIDs,
		Limit:        limit,
	})
}

// Attachments

func (s *Service) StageAttachments(ctx context.Context, userID string, files []attach.File) ([]attach.Result, error) {
	if s.attach == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Attachments are not configured", nil)
	}
	if len(files) == 0 {
		return nil, validationError("at least one file is required", nil)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.requireProfile(ctx, userID); err != nil {
		return nil, err
	}
	return s.attach.StageAll(ctx, userID, files), nil
}

// Presence

func (s *Service) SetTyping(ctx context.Context, userID, channelID string) (bool, error) {
	if _, err := s.requireChannel(ctx, userID, channelID); err != nil {
		return false, err
	}
	if s.presence == nil {
		return false, nil
	}
	return s.presence.SetTyping(ctx, channelID, userID)
}

func (s *Service) ListTyping(ctx context.Context, userID, channelID string) ([]string, error) {
	if _, err := s.requireChannel(ctx, userID, channelID); err != nil {
		return nil, err
	}
	if s.presence == nil {
		return []string{}, nil
	}
	users, err := s.presence.ListTyping(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

// TypingChanged publishes typing start/stop to the channel's subscribers.
func (s *Service) TypingChanged(channelID, userID string, typing bool) {
	kind := realtime.KindTypingStopped
	if typing {
		kind = realtime.KindTypingStarted
	}
	workspaceID, _ := s.channelWorkspace.Load(channelID)
	wsID, _ := workspaceID.(string)
	_ = s.hub.Sequenced(context.Background(), channelID, func(publish realtime.Publisher) error {
		publish(realtime.NewEvent(kind, channelID, wsID, "", map[string]string{"userId": userID}))
		return nil
	})
}

func (s *Service) SaveDraft(ctx context.Context, userID, channelID, text string) error {
	if _, err := s.requireChannel(ctx, userID, channelID); err != nil {
		return err
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxMessageRunes {
		return validationError(fmt.Sprintf("draft must be at most %d characters", s.cfg.MaxMessageRunes), nil)
	}
	if s.presence != nil {
		s.presence.SaveDraft(channelID, userID, text)
	}
	return nil
}

func (s *Service) GetDraft(ctx context.Context, userID, channelID string) (string, error) {
	if _, err := s.requireChannel(ctx, userID, channelID); err != nil {
		return "", err
	}
	if s.presence == nil {
		return "", nil
	}
	return s.presence.GetDraft(ctx, channelID, userID)
}

func (s *Service) ClearDraft(ctx context.Context, userID, channelID string) error {
	if _, err := s.requireChannel(ctx, userID, channelID); err != nil {
		return err
	}
	if s.presence == nil {
		return nil
	}
	return s.presence.ClearDraft(ctx, channelID, userID)
}
