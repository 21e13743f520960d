package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aerobrain/internal/brain"
	"aerobrain/internal/queue"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 20
	publishTimeout      = 2 * time.Second
)

var errMissingQuery = errors.New("field required: query")

// chatRequest accepts both the direct contract (context) and the proxy
// contract (history).
type chatRequest struct {
	Query   *string           `json:"query"`
	Context []json.RawMessage `json:"context"`
	History []json.RawMessage `json:"history"`
	UserID  string            `json:"userId"`
}

func (r chatRequest) turns() []json.RawMessage {
	if len(r.Context) > 0 {
		return r.Context
	}
	return r.History
}

func decodeChatRequest(body io.Reader) (chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return chatRequest{}, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Query == nil {
		return chatRequest{}, errMissingQuery
	}
	return req, nil
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if limited, detail := s.rateLimited(r.Context(), w, req.UserID); limited {
		writeDetail(w, http.StatusTooManyRequests, detail)
		return
	}

	resp, err := s.router.Process(r.Context(), *req.Query, req.turns())
	if err != nil {
		s.metrics.QueryFailures.Inc()
		log.Error().Err(err).Msg("query failed")
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.Queries.WithLabelValues(resp.Type).Inc()
	s.publish(r.Context(), req.UserID, *req.Query, resp)

	writeJSON(w, http.StatusOK, resp)
}

// chatStream replays the routed response word by word as server-sent events.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())
	params := r.URL.Query()
	query := params.Get("query")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Query is required"})
		return
	}
	var history []json.RawMessage
	if raw := params.Get("history"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "history must be a JSON array"})
			return
		}
	}
	userID := params.Get("userId")

	if limited, detail := s.rateLimited(r.Context(), w, userID); limited {
		writeDetail(w, http.StatusTooManyRequests, detail)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s.metrics.StreamSessions.Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resp, err := s.router.Process(r.Context(), query, history)
	if err != nil {
		s.metrics.QueryFailures.Inc()
		log.Error().Err(err).Msg("stream query failed")
		writeEvent(w, map[string]string{"error": "Failed to process query"})
		flusher.Flush()
		return
	}
	s.metrics.Queries.WithLabelValues(resp.Type).Inc()
	s.publish(r.Context(), userID, query, resp)

	for i, word := range strings.Split(resp.Text, " ") {
		if i > 0 && s.streamWordDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.streamWordDelay):
			}
		}
		writeEvent(w, map[string]string{"chunk": word + " "})
		flusher.Flush()
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeEvent(w io.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
}

// rateLimited fails open: a limiter error is logged and the request proceeds.
// Quota headers are set on every checked response.
func (s *Server) rateLimited(ctx context.Context, w http.ResponseWriter, userID string) (bool, string) {
	if s.limiter == nil || strings.TrimSpace(userID) == "" {
		return false, ""
	}
	now := s.now()
	d, err := s.limiter.Allow(ctx, userID, now)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("rate limiter unavailable")
		return false, ""
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return false, ""
	}

	s.metrics.RateLimited.Inc()
	h.Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter(now)/time.Second), 10))
	zerolog.Ctx(ctx).Warn().Str("user_id", userID).Int64("used", d.Used).Int64("limit", d.Limit).Msg("rate limit exceeded")
	return true, fmt.Sprintf("rate limit exceeded, retry after %s", d.ResetAt.Format(time.RFC3339))
}

// publish records the routed query. Failures are logged and never reach the caller.
func (s *Server) publish(ctx context.Context, userID, query string, resp brain.Response) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	_, err := s.publisher.Publish(ctx, queue.QueryEvent{
		UserID:       userID,
		Query:        query,
		ResponseType: resp.Type,
		Tool:         resp.Tool,
		ReceivedAt:   s.now(),
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to publish query event")
		return
	}
	s.metrics.LogEnqueued.Inc()
}

func (s *Server) queryHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeDetail(w, http.StatusServiceUnavailable, "query log is disabled")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeDetail(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.ListQueryLog(r.Context(), userID, limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list query log failed")
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "entries": entries})
}
