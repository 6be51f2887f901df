// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/portreg"
)

func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, errdefs.Validationf("port %q must be an integer in [1,65535]", v)
	}
	return port, nil
}

type portCheckResponse struct {
	Port      int    `json:"port"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handlePortCheck(w http.ResponseWriter, r *http.Request) {
	port, err := parsePort(r.URL.Query().Get("port"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	tag, err := portreg.ParseTag(r.URL.Query().Get("tag"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	available, checkErr := s.deps.Ports.Check(port, tag)
	resp := portCheckResponse{Port: port, Available: available}
	if checkErr != nil {
		resp.Reason = errdefs.Code(checkErr)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handlePortSuggest(w http.ResponseWriter, r *http.Request) {
	tag, err := portreg.ParseTag(r.URL.Query().Get("tag"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			renderError(w, r, errdefs.Validationf("count must be in [1,100]"))
			return
		}
		count = parsed
	}

	ports, err := s.deps.Ports.Suggest(tag, count)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, intSlice(ports))
}

func (s *Server) handlePortList(w http.ResponseWriter, r *http.Request) {
	tagParam := r.URL.Query().Get("tag")
	if tagParam == "" {
		writeJSON(w, r, http.StatusOK, s.deps.Ports.List())
		return
	}
	tag, err := portreg.ParseTag(tagParam)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.deps.Ports.ListByTag(tag))
}

func (s *Server) handlePortGet(w http.ResponseWriter, r *http.Request) {
	port, err := parsePort(chi.URLParam(r, "port"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	alloc, ok := s.deps.Ports.GetAllocation(port)
	if !ok {
		renderError(w, r, fmt.Errorf("port %d has no allocation: %w", port, errdefs.ErrNotFound))
		return
	}
	writeJSON(w, r, http.StatusOK, alloc)
}

type portGCResponse struct {
	Released []int `json:"released"`
}

func (s *Server) handlePortGC(w http.ResponseWriter, r *http.Request) {
	released := s.deps.Ports.GCOrphans()
	writeJSON(w, r, http.StatusOK, portGCResponse{Released: intSlice(released)})
}
