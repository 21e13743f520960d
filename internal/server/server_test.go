package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"aerobrain/internal/brain"
	"aerobrain/internal/queue"
	"aerobrain/internal/storage"
)

type routerFunc func(ctx context.Context, query string, history []json.RawMessage) (brain.Response, error)

func (f routerFunc) Process(ctx context.Context, query string, history []json.RawMessage) (brain.Response, error) {
	return f(ctx, query, history)
}

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.Router == nil {
		cfg.Router = brain.New(brain.Config{})
	}
	cfg.Logger = zerolog.Nop()
	return New(cfg).Handler()
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestRootAndHealth(t *testing.T) {
	h := newTestServer(t, Config{})

	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var root map[string]string
	decode(t, rec, &root)
	if root["status"] != "online" {
		t.Fatalf("unexpected root payload %#v", root)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	rec = do(t, h, http.MethodGet, "/health", "")
	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "healthy" || health["worker"] != "disabled" || health["database"] != "disabled" {
		t.Fatalf("unexpected health payload %#v", health)
	}

	if rec := do(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestHealthPingsDatabase(t *testing.T) {
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "health.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := newTestServer(t, Config{DB: store})

	rec := do(t, h, http.MethodGet, "/health", "")
	var health map[string]string
	decode(t, rec, &health)
	if rec.Code != http.StatusOK || health["status"] != "healthy" || health["database"] != "ok" {
		t.Fatalf("expected healthy database, got %d %#v", rec.Code, health)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/health", "")
	health = nil
	decode(t, rec, &health)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with database down, got %d", rec.Code)
	}
	if health["status"] != "unhealthy" || health["database"] != "unavailable" {
		t.Fatalf("unexpected health payload %#v", health)
	}
}

func TestChatDispatch(t *testing.T) {
	h := newTestServer(t, Config{})

	rec := do(t, h, http.MethodPost, "/chat", `{"query":"calculate 2+2","context":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var calc map[string]any
	decode(t, rec, &calc)
	if calc["type"] != "tool_result" || calc["tool"] != "calculator" {
		t.Fatalf("unexpected calculator response %#v", calc)
	}

	rec = do(t, h, http.MethodPost, "/chat", `{"query":"find notes on physics","context":[{"role":"user"}],"userId":"u1"}`)
	var search brain.Response
	decode(t, rec, &search)
	if search.Tool != "search_resources" || len(search.Results) != 2 {
		t.Fatalf("unexpected search response %+v", search)
	}

	rec = do(t, h, http.MethodPost, "/chat", `{"query":"hello there"}`)
	var chat map[string]any
	decode(t, rec, &chat)
	if chat["type"] != "chat" || chat["ai_model"] != "AeroBrain-v1 (Python)" {
		t.Fatalf("unexpected chat response %#v", chat)
	}
	if _, ok := chat["steps"]; ok {
		t.Fatalf("chat response must not carry steps: %#v", chat)
	}
	if !strings.HasPrefix(chat["text"].(string), "Processed query: hello there") {
		t.Fatalf("unexpected chat text %q", chat["text"])
	}
}

func TestChatProxyContract(t *testing.T) {
	var seen []json.RawMessage
	h := newTestServer(t, Config{Router: routerFunc(func(_ context.Context, q string, history []json.RawMessage) (brain.Response, error) {
		seen = history
		return brain.Response{Type: brain.TypeChat, Text: q}, nil
	})})

	rec := do(t, h, http.MethodPost, "/api/chat", `{"query":"hi","history":[{"a":1},{"b":2}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(seen) != 2 {
		t.Fatalf("expected history to be forwarded as context, got %d turns", len(seen))
	}
}

func TestChatValidation(t *testing.T) {
	h := newTestServer(t, Config{})

	cases := map[string]string{
		"malformed":     `{"query":`,
		"missing query": `{"context":[]}`,
		"wrong type":    `{"query":42}`,
		"bad context":   `{"query":"x","context":"nope"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/chat", body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d", rec.Code)
			}
			var detail errorDetail
			decode(t, rec, &detail)
			if detail.Detail == "" {
				t.Fatalf("expected detail message")
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/chat", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /chat, got %d", rec.Code)
	}
}

func TestChatInternalError(t *testing.T) {
	h := newTestServer(t, Config{Router: routerFunc(func(context.Context, string, []json.RawMessage) (brain.Response, error) {
		return brain.Response{}, errors.New("brain offline")
	})})

	rec := do(t, h, http.MethodPost, "/chat", `{"query":"hello"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var detail errorDetail
	decode(t, rec, &detail)
	if detail.Detail != "brain offline" {
		t.Fatalf("expected raw error text, got %q", detail.Detail)
	}
}

func TestChatPanicRecovered(t *testing.T) {
	h := newTestServer(t, Config{Router: routerFunc(func(context.Context, string, []json.RawMessage) (brain.Response, error) {
		panic("boom")
	})})

	rec := do(t, h, http.MethodPost, "/chat", `{"query":"hello"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var detail errorDetail
	decode(t, rec, &detail)
	if detail.Detail != "boom" {
		t.Fatalf("expected panic text, got %q", detail.Detail)
	}
}

func TestChatRateLimit(t *testing.T) {
	rdb := newRedis(t)
	h := newTestServer(t, Config{Limiter: queue.NewRateLimiter(rdb, 1)})

	rec := do(t, h, http.MethodPost, "/chat", `{"query":"hello","userId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected quota headers %v", rec.Header())
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" || rec.Header().Get("Retry-After") != "" {
		t.Fatalf("expected reset header without retry-after, got %v", rec.Header())
	}

	rec = do(t, h, http.MethodPost, "/chat", `{"query":"hello","userId":"u1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retry, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || retry < 1 || retry > 3600 {
		t.Fatalf("expected retry-after within the window, got %q", rec.Header().Get("Retry-After"))
	}

	rec = do(t, h, http.MethodGet, "/chat/stream?query=hello&userId=u1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected stream to share the quota, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/chat", `{"query":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected anonymous request to bypass limiter, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("anonymous requests carry no quota headers")
	}
}

type limiterFunc func(ctx context.Context, userID string, now time.Time) (queue.Decision, error)

func (f limiterFunc) Allow(ctx context.Context, userID string, now time.Time) (queue.Decision, error) {
	return f(ctx, userID, now)
}

func TestChatRateLimiterFailsOpen(t *testing.T) {
	h := newTestServer(t, Config{Limiter: limiterFunc(func(context.Context, string, time.Time) (queue.Decision, error) {
		return queue.Decision{}, errors.New("redis down")
	})})

	rec := do(t, h, http.MethodPost, "/chat", `{"query":"hello","userId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected request to proceed when limiter fails, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("no quota headers without a decision, got %v", rec.Header())
	}
}

func TestChatPublishesQueryEvent(t *testing.T) {
	rdb := newRedis(t)
	q := queue.NewStreamQueue(rdb, "test:queries", "test-group", "c1", 10*time.Millisecond)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	h := newTestServer(t, Config{Publisher: q})

	rec := do(t, h, http.MethodPost, "/chat", `{"query":"solve x","userId":"u7"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	msgs, err := q.Read(context.Background(), 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one event, got %d", len(msgs))
	}
	ev := msgs[0].Event
	if ev.UserID != "u7" || ev.ResponseType != brain.TypeSolution || ev.Query != "solve x" {
		t.Fatalf("unexpected event %+v", ev)
	}

	rec = do(t, h, http.MethodGet, "/health", "")
	var health map[string]string
	decode(t, rec, &health)
	if health["worker"] != "enabled" {
		t.Fatalf("expected worker enabled, got %#v", health)
	}
}

func TestChatStream(t *testing.T) {
	h := newTestServer(t, Config{})

	rec := do(t, h, http.MethodGet, "/chat/stream?query=hello%20there&history=%5B%5D", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"chunk":"Processed "}`) {
		t.Fatalf("expected first word chunk, got %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("expected stream terminator, got %q", body)
	}

	rec = do(t, h, http.MethodGet, "/chat/stream", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without query, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/chat/stream?query=hi&history=notjson", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad history, got %d", rec.Code)
	}
}

// cancelOnChunk ends the request context as soon as the first chunk is flushed,
// the way a browser closing its EventSource would.
type cancelOnChunk struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
}

func (w *cancelOnChunk) Flush() {
	w.ResponseRecorder.Flush()
	if strings.Contains(w.Body.String(), `"chunk"`) {
		w.cancel()
	}
}

func TestChatStreamStopsWhenClientLeaves(t *testing.T) {
	h := newTestServer(t, Config{
		StreamWordDelay: time.Hour,
		Router: routerFunc(func(context.Context, string, []json.RawMessage) (brain.Response, error) {
			return brain.Response{Type: brain.TypeChat, Text: "one two three"}, nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/chat/stream?query=hello", nil).WithContext(ctx)
	w := &cancelOnChunk{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(w, req)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream kept waiting after the client went away")
	}

	body := w.Body.String()
	if n := strings.Count(body, `"chunk"`); n != 1 {
		t.Fatalf("expected exactly one chunk before cancellation, got %d in %q", n, body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("cancelled stream must not send the terminator, got %q", body)
	}
}

func TestChatStreamError(t *testing.T) {
	h := newTestServer(t, Config{Router: routerFunc(func(context.Context, string, []json.RawMessage) (brain.Response, error) {
		return brain.Response{}, errors.New("down")
	})})

	rec := do(t, h, http.MethodGet, "/chat/stream?query=hello", "")
	if !strings.Contains(rec.Body.String(), `data: {"error":"Failed to process query"}`) {
		t.Fatalf("expected error event, got %q", rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("missing allow origin header")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("missing allow credentials header")
	}
	if !strings.EqualFold(rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type") {
		t.Fatalf("expected requested headers echoed, got %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost) {
		t.Fatalf("expected POST in allowed methods, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}

	req = httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed preflight must not be granted, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("expected allowed actual request, got %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSVaryOnEveryResponse(t *testing.T) {
	h := newTestServer(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})

	for name, origin := range map[string]string{
		"no origin":         "",
		"disallowed origin": "http://evil.example",
		"allowed origin":    "http://localhost:3000",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if origin != "" {
				req.Header.Set("Origin", origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if !strings.Contains(rec.Header().Get("Vary"), "Origin") {
				t.Fatalf("expected Vary: Origin, got %q", rec.Header().Get("Vary"))
			}
			if origin != "http://localhost:3000" && rec.Header().Get("Access-Control-Allow-Origin") != "" {
				t.Fatalf("unexpected allow origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestToolsAndTopics(t *testing.T) {
	h := newTestServer(t, Config{})

	var tools struct {
		Tools []string `json:"tools"`
	}
	decode(t, do(t, h, http.MethodGet, "/tools", ""), &tools)
	if len(tools.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %#v", tools.Tools)
	}

	var topics map[string][]string
	decode(t, do(t, h, http.MethodGet, "/topics", ""), &topics)
	if len(topics["physics"]) != 3 {
		t.Fatalf("unexpected topics %#v", topics)
	}
}

func TestHistory(t *testing.T) {
	if rec := do(t, newTestServer(t, Config{}), http.MethodGet, "/history?userId=u1", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without storage, got %d", rec.Code)
	}

	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "h.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.InsertQueryLog(context.Background(), storage.QueryLogEntry{EventID: id, UserID: "u1", Query: "q-" + id, ResponseType: "chat"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	h := newTestServer(t, Config{History: store})

	rec := do(t, h, http.MethodGet, "/history?userId=u1&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Entries []storage.QueryLogEntry `json:"entries"`
	}
	decode(t, rec, &payload)
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}

	if rec := do(t, h, http.MethodGet, "/history", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without userId, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/history?userId=u1&limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, Config{})
	do(t, h, http.MethodPost, "/chat", `{"query":"analyze this"}`)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `aerobrain_queries_total{type="analysis"}`) {
		t.Fatalf("expected query counter in metrics output")
	}
}
