// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the daemon is accepting new sessions. During
// shutdown the manager refuses admissions and readiness goes red while
// liveness stays green.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Manager.Accepting() {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Build)
}
