package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"huddle/api/internal/attach"
	"huddle/api/internal/auth"
	"huddle/api/internal/logger"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
)

const maxUploadFiles = 10

type tokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type HTTPServer struct {
	service    *Service
	verifier   tokenVerifier
	corsOrigin string
	limiter    *limiterPool
	metrics    *metrics
	realtime   http.Handler
}

func NewHTTPServer(service *Service, verifier tokenVerifier, corsOrigin string) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		verifier:   verifier,
		corsOrigin: corsOrigin,
		limiter:    newLimiterPool(service.cfg.WriteRPS, service.cfg.WriteBurst),
		metrics:    newMetrics(service.Hub()),
	}
	s.realtime = realtime.NewHandler(service.Hub(), service.CanSubscribe, s.identify, corsOrigin)
	return s
}

// Close stops background work owned by the server.
func (s *HTTPServer) Close() {
	s.limiter.Shutdown()
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.Use(s.metrics.instrument)

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	router.Handle("/api/realtime", s.realtime).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate, s.rateLimit)

	api.HandleFunc("/profile", s.handleGetProfile).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.handleCreateProfile).Methods(http.MethodPost)
	api.HandleFunc("/profile", s.handleUpdateProfile).Methods(http.MethodPatch)

	api.HandleFunc("/workspaces", s.handleListWorkspaces).Methods(http.MethodGet)
	api.HandleFunc("/workspaces", s.handleCreateWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/workspaces/{id}/join", s.handleJoinWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/workspaces/{id}/channels", s.handleListChannels).Methods(http.MethodGet)
	api.HandleFunc("/workspaces/{id}/channels", s.handleCreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/workspaces/{id}/members", s.handleListMembers).Methods(http.MethodGet)
	api.HandleFunc("/workspaces/{id}/dms", s.handleOpenDM).Methods(http.MethodPost)

	api.HandleFunc("/channels/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/messages/{mid}/replies", s.handlePostReply).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/typing", s.handleListTyping).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/typing", s.handleSetTyping).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/draft", s.handleGetDraft).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/draft", s.handleSaveDraft).Methods(http.MethodPut)
	api.HandleFunc("/channels/{id}/draft", s.handleClearDraft).Methods(http.MethodDelete)

	api.HandleFunc("/messages/{id}", s.handleGetMessage).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}/reactions", s.handleToggleReaction).Methods(http.MethodPost)

	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/attachments", s.handleUpload).Methods(http.MethodPost)

	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Profiles

func (s *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	user, err := s.service.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": userView(user)})
}

func (s *HTTPServer) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, created, err := s.service.CreateProfile(r.Context(), identityFrom(r.Context()), body.DisplayName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"profile": userView(user), "created": created})
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body ProfileUpdate
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.UpdateProfile(r.Context(), identityFrom(r.Context()).UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": userView(user)})
}

// Workspaces

func (s *HTTPServer) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	memberships, err := s.service.ListWorkspaces(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(memberships))
	for _, m := range memberships {
		view := workspaceView(m.Workspace)
		view["role"] = m.Role
		view["joinedAt"] = m.JoinedAt
		items = append(items, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
}

func (s *HTTPServer) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ws, general, err := s.service.CreateWorkspace(r.Context(), identityFrom(r.Context()).UserID, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workspace":      workspaceView(ws),
		"defaultChannel": channelView(general),
	})
}

func (s *HTTPServer) handleJoinWorkspace(w http.ResponseWriter, r *http.Request) {
	membership, err := s.service.JoinWorkspace(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"membership": membershipView(membership)})
}

func (s *HTTPServer) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.service.ListChannels(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		items = append(items, channelView(ch))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": items})
}

func (s *HTTPServer) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	channel, created, err := s.service.CreateChannel(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"channel": channelView(channel), "created": created})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.ListMembers(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, memberView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": items})
}

func (s *HTTPServer) handleOpenDM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	channel, err := s.service.OpenDirectMessage(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], body.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channelView(channel)})
}

// Messages

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.service.ListMessages(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(page.Messages))
	for _, m := range page.Messages {
		items = append(items, messageView(m))
	}
	response := map[string]any{"messages": items, "hasMore": page.HasMore, "nextCursor": nil}
	if page.NextCursor != "" {
		response["nextCursor"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body PostInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.PostMessage(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": messageView(msg)})
}

func (s *HTTPServer) handlePostReply(w http.ResponseWriter, r *http.Request) {
	var body PostInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	msg, err := s.service.PostReply(r.Context(), identityFrom(r.Context()).UserID, vars["id"], vars["mid"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": messageView(msg)})
}

func (s *HTTPServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.service.GetMessage(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": messageView(msg)})
}

func (s *HTTPServer) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.ToggleReaction(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], body.Emoji)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": result.MessageID,
		"emoji":     result.Emoji,
		"added":     result.Added,
		"reactions": result.Reactions,
	})
}

// Search and attachments

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results, err := s.service.Search(r.Context(), identityFrom(r.Context()).UserID, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.service.cfg.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = attach.DefaultMaxBytes
	}
	// Room for ten files a little over the limit so oversize files reach
	// per-file validation instead of failing the whole form.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadFiles*(maxBytes+1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart form with file parts", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) > maxUploadFiles {
		s.fail(w, r, validationError(fmt.Sprintf("at most %d files per upload", maxUploadFiles), nil))
		return
	}
	files := make([]attach.File, 0, len(headers))
	for _, fh := range headers {
		files = append(files, multipartFile(fh))
	}

	results, err := s.service.StageAttachments(r.Context(), identityFrom(r.Context()).UserID, files)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(results))
	for _, res := range results {
		items = append(items, stageResultView(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
}

func multipartFile(fh *multipart.FileHeader) attach.File {
	return attach.File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// Presence

func (s *HTTPServer) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	started, err := s.service.SetTyping(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "started": started})
}

func (s *HTTPServer) handleListTyping(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListTyping(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userIds": users})
}

func (s *HTTPServer) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	text, err := s.service.GetDraft(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text})
}

func (s *HTTPServer) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SaveDraft(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], body.Text); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleClearDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearDraft(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Middleware and helpers

type identityKey struct{}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityKey{}).(auth.Identity)
	return identity
}

func requestToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func (s *HTTPServer) identify(r *http.Request) (string, bool) {
	token := requestToken(r)
	if token == "" {
		return "", false
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		return "", false
	}
	return identity.UserID, true
}

func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			userID := identityFrom(r.Context()).UserID
			if !s.limiter.Allow(userID) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		logger.Info("http_request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket endpoint take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// fail maps err to a response; unexpected errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, validationError(key+" must be a non-negative integer", nil)
	}
	return n, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fileErr *attach.ValidationError
	if errors.As(err, &fileErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", fileErr.Err.Error(), map[string]any{"file": fileErr.File}
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrCapacity):
		return http.StatusForbidden, "CAPACITY_EXCEEDED", "The user limit has been reached", nil
	case errors.Is(err, store.ErrEmailTaken):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Email is already registered", nil
	case errors.Is(err, store.ErrAttachmentRefs):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid attachment references", nil
	case errors.Is(err, store.ErrInvalidCursor):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cursor is invalid", nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Storage is temporarily unavailable", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
