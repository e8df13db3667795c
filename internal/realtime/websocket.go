package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"

	"huddle/api/internal/logger"
)

// AccessFunc decides whether userID may listen on channelID. It runs the same
// membership check as reading the channel.
type AccessFunc func(ctx context.Context, userID, channelID string) error

// IdentifyFunc returns the authenticated user of the upgrade request.
type IdentifyFunc func(r *http.Request) (string, bool)

type clientFrame struct {
	Op        string `json:"op"`
	ChannelID string `json:"channelId"`
}

type serverFrame struct {
	Op        string `json:"op"`
	ChannelID string `json:"channelId,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// Handler serves the websocket subscription protocol:
//
//	-> {"op":"subscribe","channelId":"chn_..."}
//	<- {"op":"subscribed","channelId":"chn_..."}
//	<- {"op":"event","event":{...}}
//	-> {"op":"unsubscribe","channelId":"chn_..."}
//	<- {"op":"unsubscribed","channelId":"chn_..."}
//
// Closing the connection ends every subscription it holds.
type Handler struct {
	hub           *Hub
	access        AccessFunc
	identify      IdentifyFunc
	allowedOrigin string
}

func NewHandler(hub *Hub, access AccessFunc, identify IdentifyFunc, allowedOrigin string) *Handler {
	return &Handler{hub: hub, access: access, identify: identify, allowedOrigin: allowedOrigin}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(r); !ok {
		http.Error(w, `{"code":"UNAUTHORIZED","error":"missing or invalid token"}`, http.StatusUnauthorized)
		return
	}
	server := websocket.Server{
		Handshake: h.handshake,
		Handler:   h.serveConn,
	}
	server.ServeHTTP(w, r)
}

func (h *Handler) handshake(cfg *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return err
	}
	cfg.Origin = parsed
	if h.allowedOrigin == "" || h.allowedOrigin == "*" || h.allowedOrigin == origin {
		return nil
	}
	return errors.New("origin not allowed")
}

type connState struct {
	ws     *websocket.Conn
	userID string
	mu     sync.Mutex
	subs   map[string]*Subscription
	wg     sync.WaitGroup
}

func (h *Handler) serveConn(ws *websocket.Conn) {
	userID, _ := h.identify(ws.Request())
	ctx := ws.Request().Context()
	conn := &connState{ws: ws, userID: userID, subs: make(map[string]*Subscription)}
	logger.Debug("realtime_connected", "user_id", userID)

	defer func() {
		conn.mu.Lock()
		for _, sub := range conn.subs {
			sub.Close()
		}
		conn.subs = map[string]*Subscription{}
		conn.mu.Unlock()
		_ = ws.Close()
		conn.wg.Wait()
		logger.Debug("realtime_disconnected", "user_id", userID)
	}()

	for {
		var frame clientFrame
		if err := websocket.JSON.Receive(ws, &frame); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("realtime_read_failed", "user_id", userID, "error", err)
			}
			return
		}
		switch frame.Op {
		case "subscribe":
			h.subscribe(ctx, conn, frame.ChannelID)
		case "unsubscribe":
			conn.mu.Lock()
			if sub, ok := conn.subs[frame.ChannelID]; ok {
				delete(conn.subs, frame.ChannelID)
				sub.Close()
			}
			conn.mu.Unlock()
			conn.send(serverFrame{Op: "unsubscribed", ChannelID: frame.ChannelID})
		case "ping":
			conn.send(serverFrame{Op: "pong"})
		default:
			conn.send(serverFrame{Op: "error", ChannelID: frame.ChannelID, Code: "VALIDATION_ERROR", Error: "unknown op"})
		}
	}
}

func (h *Handler) subscribe(ctx context.Context, conn *connState, channelID string) {
	if channelID == "" {
		conn.send(serverFrame{Op: "error", Code: "VALIDATION_ERROR", Error: "channelId is required"})
		return
	}
	if err := h.access(ctx, conn.userID, channelID); err != nil {
		conn.send(serverFrame{Op: "error", ChannelID: channelID, Code: "FORBIDDEN", Error: "not a member of this channel"})
		return
	}

	conn.mu.Lock()
	if existing, ok := conn.subs[channelID]; ok && !existing.Dropped() {
		conn.mu.Unlock()
		conn.send(serverFrame{Op: "subscribed", ChannelID: channelID})
		return
	}
	sub := h.hub.Subscribe(channelID)
	conn.subs[channelID] = sub
	conn.mu.Unlock()

	// Confirm before the forwarder may write any event for this channel.
	conn.send(serverFrame{Op: "subscribed", ChannelID: channelID})
	conn.wg.Add(1)
	go conn.forward(sub)
}

func (c *connState) forward(sub *Subscription) {
	defer c.wg.Done()
	for e := range sub.Events() {
		event := e
		if err := c.send(serverFrame{Op: "event", ChannelID: event.ChannelID, Event: &event}); err != nil {
			return
		}
	}
	if sub.Dropped() {
		_ = c.send(serverFrame{Op: "dropped", ChannelID: sub.ChannelID(), Code: "SLOW_CONSUMER", Error: "subscription dropped; catch up with listMessages and resubscribe"})
	}
}

func (c *connState) send(frame serverFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.ws, frame)
}
