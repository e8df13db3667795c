package presence

import (
	"context"
	"sync"
	"time"

	"huddle/api/internal/logger"
)

const (
	DefaultTypingWindow  = time.Second
	DefaultDraftDebounce = 500 * time.Millisecond
	DefaultDraftTTL      = 24 * time.Hour

	flushTimeout = 5 * time.Second
)

// Notifier is told when a user starts or stops typing in a channel.
type Notifier interface {
	TypingChanged(channelID, userID string, typing bool)
}

type Options struct {
	TypingWindow  time.Duration
	DraftDebounce time.Duration
	DraftTTL      time.Duration
}

type key struct {
	channelID string
	userID    string
}

func (k key) typing() string { return "typing|" + k.channelID + "|" + k.userID }
func (k key) draft() string  { return "draft|" + k.channelID + "|" + k.userID }

// Layer owns one debouncer shared by typing expiry and draft writes.
type Layer struct {
	backend  Backend
	notifier Notifier
	debounce *Debouncer
	opts     Options

	mu     sync.Mutex
	typing map[key]struct{}
	drafts map[key]string
}

func New(backend Backend, notifier Notifier, clock Clock, opts Options) *Layer {
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = DefaultTypingWindow
	}
	if opts.DraftDebounce <= 0 {
		opts.DraftDebounce = DefaultDraftDebounce
	}
	if opts.DraftTTL <= 0 {
		opts.DraftTTL = DefaultDraftTTL
	}
	return &Layer{
		backend:  backend,
		notifier: notifier,
		debounce: NewDebouncer(clock),
		opts:     opts,
		typing:   make(map[key]struct{}),
		drafts:   make(map[key]string),
	}
}

// SetTyping records a keystroke. The first one in a window reports started;
// later ones only push the expiry out.
func (l *Layer) SetTyping(ctx context.Context, channelID, userID string) (bool, error) {
	k := key{channelID, userID}
	l.mu.Lock()
	_, active := l.typing[k]
	l.typing[k] = struct{}{}
	l.debounce.Schedule(k.typing(), l.opts.TypingWindow, func() { l.expireTyping(k) })
	l.mu.Unlock()

	if err := l.backend.SetTyping(ctx, channelID, userID, l.opts.TypingWindow); err != nil {
		logger.Warn("typing_persist_failed", "channel_id", channelID, "user_id", userID, "error", err)
	}
	if !active && l.notifier != nil {
		l.notifier.TypingChanged(channelID, userID, true)
	}
	return !active, nil
}

// ClearTyping ends a typing signal early, as when the user sends a message.
func (l *Layer) ClearTyping(ctx context.Context, channelID, userID string) {
	k := key{channelID, userID}
	if !l.debounce.Cancel(k.typing()) {
		return
	}
	l.mu.Lock()
	delete(l.typing, k)
	l.mu.Unlock()
	if err := l.backend.DeleteTyping(ctx, channelID, userID); err != nil {
		logger.Warn("typing_clear_failed", "channel_id", channelID, "user_id", userID, "error", err)
	}
	if l.notifier != nil {
		l.notifier.TypingChanged(channelID, userID, false)
	}
}

func (l *Layer) expireTyping(k key) {
	l.mu.Lock()
	// A keystroke that landed after the timer fired has already scheduled a
	// fresh expiry; that one owns the stop.
	if l.debounce.Pending(k.typing()) {
		l.mu.Unlock()
		return
	}
	delete(l.typing, k)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := l.backend.DeleteTyping(ctx, k.channelID, k.userID); err != nil {
		logger.Warn("typing_clear_failed", "channel_id", k.channelID, "user_id", k.userID, "error", err)
	}
	if l.notifier != nil {
		l.notifier.TypingChanged(k.channelID, k.userID, false)
	}
}

// ListTyping returns the users currently typing in channelID on any instance.
func (l *Layer) ListTyping(ctx context.Context, channelID string) ([]string, error) {
	return l.backend.ListTyping(ctx, channelID)
}

// SaveDraft buffers text and writes it once the user pauses.
func (l *Layer) SaveDraft(channelID, userID, text string) {
	k := key{channelID, userID}
	l.mu.Lock()
	l.drafts[k] = text
	l.mu.Unlock()
	l.debounce.Schedule(k.draft(), l.opts.DraftDebounce, func() { l.flushDraft(k) })
}

func (l *Layer) flushDraft(k key) {
	l.mu.Lock()
	text, ok := l.drafts[k]
	delete(l.drafts, k)
	l.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	var err error
	if text == "" {
		err = l.backend.DeleteDraft(ctx, k.channelID, k.userID)
	} else {
		err = l.backend.SaveDraft(ctx, k.channelID, k.userID, text, l.opts.DraftTTL)
	}
	if err != nil {
		logger.Warn("draft_persist_failed", "channel_id", k.channelID, "user_id", k.userID, "error", err)
	}
}

// GetDraft returns the pending text if a write is still debouncing,
// otherwise the stored draft.
func (l *Layer) GetDraft(ctx context.Context, channelID, userID string) (string, error) {
	k := key{channelID, userID}
	l.mu.Lock()
	text, ok := l.drafts[k]
	l.mu.Unlock()
	if ok {
		return text, nil
	}
	text, _, err := l.backend.GetDraft(ctx, channelID, userID)
	return text, err
}

// ClearDraft cancels any pending write and deletes the stored draft.
func (l *Layer) ClearDraft(ctx context.Context, channelID, userID string) error {
	k := key{channelID, userID}
	l.debounce.Cancel(k.draft())
	l.mu.Lock()
	delete(l.drafts, k)
	l.mu.Unlock()
	return l.backend.DeleteDraft(ctx, channelID, userID)
}

// Stop cancels all timers and writes out drafts that were still pending.
func (l *Layer) Stop() {
	l.debounce.Stop()

	l.mu.Lock()
	pending := make([]key, 0, len(l.drafts))
	for k := range l.drafts {
		pending = append(pending, k)
	}
	l.typing = make(map[key]struct{})
	l.mu.Unlock()

	for _, k := range pending {
		l.flushDraft(k)
	}
}
