package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle/api/internal/auth"
	"huddle/api/internal/blob"
	"huddle/api/internal/config"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

// memStore is an in-memory dataStore with the same access rules as the
// Postgres store.
type memStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	workspaces  map[string]store.Workspace
	memberships map[string]map[string]store.Membership
	channels    map[string]store.Channel
	messages    map[string]store.Message
	reactions   map[string]map[string]map[string]bool
	attachments map[string]store.Attachment
	clock       time.Time

	pingErr   error
	insertErr error
	inserts   int
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]store.User{},
		workspaces:  map[string]store.Workspace{},
		memberships: map[string]map[string]store.Membership{},
		channels:    map[string]store.Channel{},
		messages:    map[string]store.Message{},
		reactions:   map[string]map[string]map[string]bool{},
		attachments: map[string]store.Attachment{},
		clock:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateUserProfile(_ context.Context, u store.User, maxUsers int) (store.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		return existing, false, nil
	}
	for _, other := range m.users {
		if strings.EqualFold(other.Email, u.Email) {
			return store.User{}, false, store.ErrEmailTaken
		}
	}
	if maxUsers > 0 && len(m.users) >= maxUsers {
		return store.User{}, false, store.ErrCapacity
	}
	u.CreatedAt = m.tick()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = u
	return u, true, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memStore) UpdateUserProfile(_ context.Context, id string, displayName, avatarURL *string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	m.users[id] = u
	return u, nil
}

func (m *memStore) CreateWorkspace(_ context.Context, ws store.Workspace, general store.Channel) (store.Workspace, store.Channel, store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws.CreatedAt = m.tick()
	m.workspaces[ws.ID] = ws
	membership := store.Membership{WorkspaceID: ws.ID, UserID: ws.CreatedBy, Role: "admin", JoinedAt: m.tick()}
	m.memberships[ws.ID] = map[string]store.Membership{ws.CreatedBy: membership}
	general.WorkspaceID = ws.ID
	general.Kind = store.ChannelKindChannel
	general.CreatedAt = ws.CreatedAt
	m.channels[general.ID] = general
	return ws, general, membership, nil
}

func (m *memStore) JoinWorkspace(_ context.Context, workspaceID, userID string) (store.Membership, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[workspaceID]; !ok {
		return store.Membership{}, false, sql.ErrNoRows
	}
	if existing, ok := m.memberships[workspaceID][userID]; ok {
		return existing, false, nil
	}
	membership := store.Membership{WorkspaceID: workspaceID, UserID: userID, Role: "member", JoinedAt: m.tick()}
	m.memberships[workspaceID][userID] = membership
	return membership, true, nil
}

func (m *memStore) GetMembership(_ context.Context, workspaceID, userID string) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership, ok := m.memberships[workspaceID][userID]
	if !ok {
		return store.Membership{}, sql.ErrNoRows
	}
	return membership, nil
}

func (m *memStore) ListWorkspacesForUser(_ context.Context, userID string) ([]store.WorkspaceMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WorkspaceMembership
	for wsID, members := range m.memberships {
		if membership, ok := members[userID]; ok {
			out = append(out, store.WorkspaceMembership{Workspace: m.workspaces[wsID], Role: membership.Role, JoinedAt: membership.JoinedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *memStore) ListMembers(_ context.Context, workspaceID string) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Member
	for userID, membership := range m.memberships[workspaceID] {
		out = append(out, store.Member{User: m.users[userID], Role: membership.Role, JoinedAt: membership.JoinedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *memStore) canSee(ch store.Channel, userID string) bool {
	if _, ok := m.memberships[ch.WorkspaceID][userID]; !ok {
		return false
	}
	if ch.Kind == store.ChannelKindDM {
		return ch.PeerIDs[0] == userID || ch.PeerIDs[1] == userID
	}
	return true
}

func (m *memStore) ListChannels(_ context.Context, workspaceID, userID string) ([]store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Channel
	for _, ch := range m.channels {
		if ch.WorkspaceID == workspaceID && m.canSee(ch, userID) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) CreateChannel(_ context.Context, ch store.Channel) (store.Channel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.channels {
		if existing.WorkspaceID == ch.WorkspaceID && existing.Kind == store.ChannelKindChannel && existing.Name == ch.Name {
			return existing, false, nil
		}
	}
	ch.Kind = store.ChannelKindChannel
	ch.CreatedAt = m.tick()
	m.channels[ch.ID] = ch
	return ch, true, nil
}

func (m *memStore) GetOrCreateDM(_ context.Context, workspaceID, userA, userB, channelID string) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := []string{userA, userB}
	sort.Strings(peers)
	for _, ch := range m.channels {
		if ch.WorkspaceID == workspaceID && ch.Kind == store.ChannelKindDM && ch.PeerIDs[0] == peers[0] && ch.PeerIDs[1] == peers[1] {
			return ch, nil
		}
	}
	ch := store.Channel{ID: channelID, WorkspaceID: workspaceID, Name: "dm:" + strings.Join(peers, ":"), Kind: store.ChannelKindDM, PeerIDs: peers, CreatedAt: m.tick()}
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *memStore) ChannelAccess(_ context.Context, channelID, userID string) (store.ChannelAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok || !m.canSee(ch, userID) {
		return store.ChannelAccess{}, sql.ErrNoRows
	}
	return store.ChannelAccess{Channel: ch, Role: m.memberships[ch.WorkspaceID][userID].Role}, nil
}

func (m *memStore) InsertMessage(ctx context.Context, msg store.Message, attachmentIDs []string) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}
	m.mu.Lock()
	if m.insertErr != nil {
		m.mu.Unlock()
		return store.Message{}, m.insertErr
	}
	for _, id := range attachmentIDs {
		a, ok := m.attachments[id]
		if !ok || a.UploaderID != msg.AuthorID || a.MessageID != nil {
			m.mu.Unlock()
			return store.Message{}, fmt.Errorf("%w: %s", store.ErrAttachmentRefs, id)
		}
	}
	for i, id := range attachmentIDs {
		a := m.attachments[id]
		msgID := msg.ID
		a.MessageID = &msgID
		a.Position = i
		m.attachments[id] = a
	}
	m.messages[msg.ID] = msg
	m.inserts++
	m.mu.Unlock()
	return m.GetMessage(ctx, msg.ID)
}

func (m *memStore) hydrateLocked(msg store.Message) store.Message {
	u := m.users[msg.AuthorID]
	msg.Author = store.AuthorSummary{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
	msg.Reactions = map[string][]string{}
	for emoji, users := range m.reactions[msg.ID] {
		var ids []string
		for id := range users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		msg.Reactions[emoji] = ids
	}
	msg.Attachments = []store.Attachment{}
	for _, a := range m.attachments {
		if a.MessageID != nil && *a.MessageID == msg.ID {
			msg.Attachments = append(msg.Attachments, a)
		}
	}
	sort.Slice(msg.Attachments, func(i, j int) bool { return msg.Attachments[i].Position < msg.Attachments[j].Position })
	msg.Replies = []store.Message{}
	if msg.ParentID == nil {
		for _, r := range m.messages {
			if r.ParentID != nil && *r.ParentID == msg.ID {
				msg.Replies = append(msg.Replies, m.hydrateLocked(r))
			}
		}
		sortMessages(msg.Replies)
	}
	return msg
}

func sortMessages(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func (m *memStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return store.Message{}, sql.ErrNoRows
	}
	return m.hydrateLocked(msg), nil
}

func (m *memStore) ListMessages(_ context.Context, channelID string, after *store.PageCursor, limit int) (store.MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var top []store.Message
	for _, msg := range m.messages {
		if msg.ChannelID != channelID || msg.ParentID != nil {
			continue
		}
		if after != nil {
			if msg.CreatedAt.Before(after.CreatedAt) || (msg.CreatedAt.Equal(after.CreatedAt) && msg.ID <= after.ID) {
				continue
			}
		}
		top = append(top, msg)
	}
	sortMessages(top)
	page := store.MessagePage{Messages: []store.Message{}}
	if len(top) > limit {
		page.HasMore = true
		top = top[:limit]
	}
	for _, msg := range top {
		page.Messages = append(page.Messages, m.hydrateLocked(msg))
	}
	if page.HasMore {
		last := top[len(top)-1]
		page.NextCursor = store.EncodeCursor(store.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (m *memStore) ToggleReaction(_ context.Context, messageID, userID, emoji string) (bool, map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return false, nil, sql.ErrNoRows
	}
	if m.reactions[messageID] == nil {
		m.reactions[messageID] = map[string]map[string]bool{}
	}
	users := m.reactions[messageID][emoji]
	if users == nil {
		users = map[string]bool{}
		m.reactions[messageID][emoji] = users
	}
	added := !users[userID]
	if added {
		users[userID] = true
	} else {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.reactions[messageID], emoji)
		}
	}
	return added, m.hydrateLocked(msg).Reactions, nil
}

func (m *memStore) InsertAttachment(_ context.Context, a store.Attachment) (store.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = m.tick()
	m.attachments[a.ID] = a
	return a, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	puts []string
}

func (f *fakeBlobs) Put(_ context.Context, name string, body io.Reader, size int64, contentType string) (blob.Object, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return blob.Object{}, err
	}
	f.mu.Lock()
	f.puts = append(f.puts, name)
	f.mu.Unlock()
	return blob.Object{Bucket: "test", Name: name, Size: size, ContentType: contentType}, nil
}

func (f *fakeBlobs) URL(_ context.Context, obj blob.Object) (string, error) {
	return "http://blob.test/" + obj.Bucket + "/" + obj.Name, nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	indexed []search.MessageRecord
	results []search.Result
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, nil
}

func (f *fakeSearch) IndexMessage(record search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

type fakePresence struct {
	mu            sync.Mutex
	drafts        map[string]string
	clearedDrafts []string
	clearedTyping []string
	typing        map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{drafts: map[string]string{}, typing: map[string]bool{}}
}

func (f *fakePresence) SetTyping(_ context.Context, channelID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelID + "/" + userID
	started := !f.typing[key]
	f.typing[key] = true
	return started, nil
}

func (f *fakePresence) ClearTyping(_ context.Context, channelID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedTyping = append(f.clearedTyping, channelID+"/"+userID)
}

func (f *fakePresence) ListTyping(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakePresence) SaveDraft(channelID, userID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts[channelID+"/"+userID] = text
}

func (f *fakePresence) GetDraft(_ context.Context, channelID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drafts[channelID+"/"+userID], nil
}

func (f *fakePresence) ClearDraft(_ context.Context, channelID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.drafts, channelID+"/"+userID)
	f.clearedDrafts = append(f.clearedDrafts, channelID+"/"+userID)
	return nil
}

type fixture struct {
	svc      *Service
	store    *memStore
	search   *fakeSearch
	presence *fakePresence
	blobs    *fakeBlobs
}

func testConfig() config.Config {
	return config.Config{
		MaxUsers:           40,
		MaxAttachmentBytes: 5 * 1024 * 1024,
		MaxMessageRunes:    4000,
		SubscriberBuffer:   64,
		WriteRPS:           1000,
		WriteBurst:         1000,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig())
}

func newFixtureWithConfig(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		search:   &fakeSearch{},
		presence: newFakePresence(),
		blobs:    &fakeBlobs{},
	}
	f.svc = New(cfg, Deps{
		Store:    f.store,
		Hub:      realtime.NewHub(cfg.SubscriberBuffer),
		Search:   f.search,
		Presence: f.presence,
	})
	return f
}

func (f *fixture) profile(t *testing.T, userID string) {
	t.Helper()
	if _, _, err := f.svc.CreateProfile(context.Background(), auth.Identity{UserID: userID, Email: userID + "@example.com"}, userID); err != nil {
		t.Fatalf("CreateProfile(%s) error = %v", userID, err)
	}
}

// workspace creates a workspace owned by owner with the given members and
// returns its id and the id of #general.
func (f *fixture) workspace(t *testing.T, owner string, members ...string) (string, string) {
	t.Helper()
	ctx := context.Background()
	ws, general, err := f.svc.CreateWorkspace(ctx, owner, "Team "+owner)
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	for _, member := range members {
		if _, err := f.svc.JoinWorkspace(ctx, member, ws.ID); err != nil {
			t.Fatalf("JoinWorkspace(%s) error = %v", member, err)
		}
	}
	return ws.ID, general.ID
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if _, got, _, _ := mapError(err); got != code {
		t.Fatalf("error code = %s (%v), want %s", got, err, code)
	}
}
