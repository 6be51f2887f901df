// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/session/manager"
	"github.com/devsupd/devsupd/internal/session/model"
)

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var in manager.StartInput
	if err := decodeJSON(r, &in); err != nil {
		renderError(w, r, err)
		return
	}
	view, err := s.deps.Manager.Start(r.Context(), in)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, view)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	status := model.StatusNone
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := model.ParseStatus(v)
		if err != nil {
			renderError(w, r, err)
			return
		}
		status = parsed
	}
	writeJSON(w, r, http.StatusOK, s.deps.Manager.List(status))
}

type stopRequest struct {
	Force bool `json:"force,omitempty"`
}

type stopResponse struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in stopRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &in); err != nil {
			renderError(w, r, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), stopDeadline)
	defer cancel()
	view, err := s.deps.Manager.Stop(ctx, id, in.Force)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stopResponse{ID: view.ID, Status: view.Status})
}

func (s *Server) handleSessionRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopDeadline)
	defer cancel()
	view, err := s.deps.Manager.Restart(ctx, chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

type stopAllResponse struct {
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
}

func (s *Server) handleSessionStopAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopDeadline)
	defer cancel()
	stopped, failed := s.deps.Manager.StopAll(ctx, false)
	writeJSON(w, r, http.StatusOK, stopAllResponse{Stopped: stopped, Failed: failed})
}

const (
	defaultTailN = 100
	maxTailN     = 10000
)

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n := defaultTailN
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxTailN {
			renderError(w, r, errdefs.Validationf("n must be in [1,%d]", maxTailN))
			return
		}
		n = parsed
	}

	re, err := manager.CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	entries, err := s.deps.Manager.TailLogs(id, n, re)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Manager.ClearLogs(id); err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"id": id, "status": "cleared"})
}
