// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/metrics"
	"github.com/devsupd/devsupd/internal/session/manager"
)

// sseSender writes frames as server-sent events and flushes each one, so a
// dashboard sees lines as they happen rather than on buffer boundaries.
func sseSender(w http.ResponseWriter, flusher http.Flusher) sender {
	return func(f frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
}

func startSSE(w http.ResponseWriter, r *http.Request) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, fmt.Errorf("response writer does not support streaming: %w", errdefs.ErrValidation))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// handleLogsSSE streams one session's log. fromSeq selects the start
// position; absent, the stream begins at the oldest retained entry.
func (s *Server) handleLogsSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fromSeq := uint64(1)
	if v := r.URL.Query().Get("fromSeq"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil || parsed == 0 {
			renderError(w, r, errdefs.Validationf("fromSeq %q must be a positive integer", v))
			return
		}
		fromSeq = parsed
	}
	filter, err := manager.CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	_, sub, err := s.deps.Manager.FollowLogs(id, fromSeq, 0)
	if err != nil {
		renderError(w, r, err)
		return
	}
	defer sub.Close()

	flusher, ok := startSSE(w, r)
	if !ok {
		return
	}

	metrics.StreamsActive.WithLabelValues("sse").Inc()
	defer metrics.StreamsActive.WithLabelValues("sse").Dec()

	pumpLogs(r.Context(), sub, filter, sseSender(w, flusher))
}

// handleEventsSSE streams bus events, optionally narrowed to one session.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Manager.SubscribeEvents(r.URL.Query().Get("sessionId"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	defer sub.Close()

	flusher, ok := startSSE(w, r)
	if !ok {
		return
	}

	metrics.StreamsActive.WithLabelValues("sse").Inc()
	defer metrics.StreamsActive.WithLabelValues("sse").Dec()

	pumpEvents(r.Context(), sub, sseSender(w, flusher))
}
