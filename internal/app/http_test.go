package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"huddle/api/internal/attach"
	"huddle/api/internal/auth"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	server := NewHTTPServer(f.svc, auth.NewVerifier(testSecret), "*")
	t.Cleanup(server.Close)
	return server.Handler()
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewVerifier(testSecret).Issue(userID, userID+"@example.com", "jti-"+userID, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func do(t *testing.T, h http.Handler, method, path, userID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	if strings.Contains(rr.Header().Get("Content-Type"), "json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", method, path, rr.Body.String())
		}
	}
	return rr, out
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	h := newTestServer(t, f)

	rr, body := do(t, h, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health = %d %v", rr.Code, body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	rr, body = do(t, h, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready = %d %v", rr.Code, body)
	}

	f.store.pingErr = errors.New("connection refused")
	rr, body = do(t, h, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Fatalf("ready with db down = %d %v", rr.Code, body)
	}
}

func TestAPIRequiresValidToken(t *testing.T) {
	h := newTestServer(t, newFixture(t))

	rr, body := do(t, h, http.MethodGet, "/api/workspaces", "", nil)
	if rr.Code != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("no token = %d %v", rr.Code, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/workspaces?access_token="+tokenFor(t, "usr_a"), nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("query token status = %d body %s", rr.Code, rr.Body.String())
	}
}

func TestMessagingFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	h := newTestServer(t, f)

	rr, body := do(t, h, http.MethodPost, "/api/profile", "usr_a", map[string]any{"displayName": "Ada"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create profile = %d %v", rr.Code, body)
	}
	rr, _ = do(t, h, http.MethodPost, "/api/profile", "usr_a", map[string]any{"displayName": "Ada"})
	if rr.Code != http.StatusOK {
		t.Fatalf("repeat create profile = %d", rr.Code)
	}

	rr, body = do(t, h, http.MethodPost, "/api/workspaces", "usr_a", map[string]any{"name": "Acme"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create workspace = %d %v", rr.Code, body)
	}
	channelID := body["defaultChannel"].(map[string]any)["id"].(string)

	rr, body = do(t, h, http.MethodPost, "/api/channels/"+channelID+"/messages", "usr_a", map[string]any{"content": "hello"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("post = %d %v", rr.Code, body)
	}
	message := body["message"].(map[string]any)
	messageID := message["id"].(string)
	if message["content"] != "hello" || message["author"].(map[string]any)["displayName"] != "Ada" {
		t.Fatalf("message = %v", message)
	}

	rr, body = do(t, h, http.MethodPost, "/api/channels/"+channelID+"/messages/"+messageID+"/replies", "usr_a", map[string]any{"content": "thread"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("reply = %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodPost, "/api/messages/"+messageID+"/reactions", "usr_a", map[string]any{"emoji": "👍"})
	if rr.Code != http.StatusOK || body["added"] != true {
		t.Fatalf("react = %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodGet, "/api/channels/"+channelID+"/messages?limit=10", "usr_a", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d %v", rr.Code, body)
	}
	messages := body["messages"].([]any)
	if len(messages) != 1 || body["hasMore"] != false || body["nextCursor"] != nil {
		t.Fatalf("list body = %v", body)
	}
	first := messages[0].(map[string]any)
	if len(first["replies"].([]any)) != 1 || len(first["reactions"].(map[string]any)["👍"].([]any)) != 1 {
		t.Fatalf("listed message = %v", first)
	}

	rr, body = do(t, h, http.MethodGet, "/api/channels/"+channelID+"/messages", "usr_b", nil)
	if rr.Code != http.StatusForbidden || body["code"] != "FORBIDDEN" {
		t.Fatalf("outsider list = %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodGet, "/api/messages/"+messageID, "usr_b", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("outsider get message = %d %v", rr.Code, body)
	}
}

func TestValidationErrorShape(t *testing.T) {
	f := newFixture(t)
	h := newTestServer(t, f)
	do(t, h, http.MethodPost, "/api/profile", "usr_a", map[string]any{})

	rr, body := do(t, h, http.MethodPost, "/api/workspaces", "usr_a", map[string]any{"name": "  "})
	if rr.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" || body["error"] == "" {
		t.Fatalf("validation = %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodGet, "/api/search?q=x&limit=abc", "usr_a", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit = %d %v", rr.Code, body)
	}

	rr, _ = do(t, h, http.MethodGet, "/api/nowhere", "usr_a", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", rr.Code)
	}
}

func TestWritesAreRateLimitedPerUser(t *testing.T) {
	cfg := testConfig()
	cfg.WriteRPS = 0.001
	cfg.WriteBurst = 2
	f := newFixtureWithConfig(t, cfg)
	h := newTestServer(t, f)

	for i := 0; i < 2; i++ {
		if rr, _ := do(t, h, http.MethodPost, "/api/profile", "usr_a", map[string]any{}); rr.Code >= 400 {
			t.Fatalf("write %d = %d", i, rr.Code)
		}
	}
	rr, body := do(t, h, http.MethodPost, "/api/profile", "usr_a", map[string]any{})
	if rr.Code != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("third write = %d %v", rr.Code, body)
	}
	if rr, _ := do(t, h, http.MethodGet, "/api/profile", "usr_a", nil); rr.Code != http.StatusOK {
		t.Fatalf("reads must not be limited, got %d", rr.Code)
	}
	if rr, _ := do(t, h, http.MethodPost, "/api/profile", "usr_b", map[string]any{}); rr.Code >= 400 {
		t.Fatalf("other user limited: %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, newFixture(t))
	do(t, h, http.MethodGet, "/api/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	text := rr.Body.String()
	for _, want := range []string{`huddle_http_requests_total{method="GET",route="/api/health",status="200"} 1`, "huddle_realtime_subscribers 0"} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestUploadReportsPerFileResults(t *testing.T) {
	f := newFixture(t)
	f.svc.attach = attach.New(f.blobs, f.store, 5*1024*1024)
	h := newTestServer(t, f)
	do(t, h, http.MethodPost, "/api/profile", "usr_a", map[string]any{})

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	addPart := func(name, contentType string, data []byte) {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		header.Set("Content-Type", contentType)
		part, err := form.CreatePart(header)
		if err != nil {
			t.Fatalf("CreatePart() error = %v", err)
		}
		_, _ = part.Write(data)
	}
	addPart("notes.zip", "application/zip", []byte("PK"))
	addPart("photo.png", "image/png", []byte("\x89PNG"))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "usr_a"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("upload = %d %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Attachments []struct {
			FileName   string         `json:"fileName"`
			OK         bool           `json:"ok"`
			Code       string         `json:"code"`
			Attachment map[string]any `json:"attachment"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Attachments) != 2 {
		t.Fatalf("results = %+v", body.Attachments)
	}
	if body.Attachments[0].OK || body.Attachments[0].Code != "VALIDATION_ERROR" {
		t.Fatalf("zip result = %+v", body.Attachments[0])
	}
	if !body.Attachments[1].OK || body.Attachments[1].Attachment["mimeType"] != "image/png" {
		t.Fatalf("png result = %+v", body.Attachments[1])
	}
	if f.blobs.count() != 1 {
		t.Fatalf("uploads = %d, want 1", f.blobs.count())
	}
}

func TestRealtimeOverWebsocket(t *testing.T) {
	f := newFixture(t)
	f.profile(t, "usr_a")
	_, general := f.workspace(t, "usr_a")
	srv := httptest.NewServer(newTestServer(t, f))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/realtime?access_token=" + tokenFor(t, "usr_a")
	ws, err := websocket.Dial(url, "", srv.URL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()
	_ = ws.SetDeadline(time.Now().Add(5 * time.Second))

	var frame map[string]any
	if err := websocket.JSON.Send(ws, map[string]string{"op": "subscribe", "channelId": "chn_other"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := websocket.JSON.Receive(ws, &frame); err != nil || frame["op"] != "error" || frame["code"] != "FORBIDDEN" {
		t.Fatalf("forbidden subscribe = %v, %v", frame, err)
	}

	if err := websocket.JSON.Send(ws, map[string]string{"op": "subscribe", "channelId": general}); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame = nil
	if err := websocket.JSON.Receive(ws, &frame); err != nil || frame["op"] != "subscribed" {
		t.Fatalf("subscribe = %v, %v", frame, err)
	}

	msg, err := f.svc.PostMessage(t.Context(), "usr_a", general, PostInput{Content: "live"})
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	frame = nil
	if err := websocket.JSON.Receive(ws, &frame); err != nil {
		t.Fatalf("receive: %v", err)
	}
	event, _ := frame["event"].(map[string]any)
	if frame["op"] != "event" || event["kind"] != "message.created" || event["messageId"] != msg.ID {
		t.Fatalf("event frame = %v", frame)
	}
}
