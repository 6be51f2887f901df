// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/devsupd/devsupd/internal/api/problem"
	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/log"
)

// kindHTTP maps every error-taxonomy code to its HTTP rendering.
var kindHTTP = map[string]struct {
	status int
	slug   string
	title  string
}{
	"VALIDATION":             {http.StatusBadRequest, "common/validation", "Validation Failed"},
	"INVALID_REGEX":          {http.StatusBadRequest, "common/invalid_regex", "Invalid Regular Expression"},
	"NOT_FOUND":              {http.StatusNotFound, "common/not_found", "Not Found"},
	"STATE":                  {http.StatusConflict, "sessions/invalid_state", "Invalid State"},
	"PORT_SYSTEM_RESERVED":   {http.StatusBadRequest, "ports/system_reserved", "Port Reserved"},
	"PORT_OUT_OF_RANGE":      {http.StatusBadRequest, "ports/out_of_range", "Port Out Of Range"},
	"PORT_ALLOCATED":         {http.StatusConflict, "ports/allocated", "Port Allocated"},
	"PORT_IN_USE_EXTERNALLY": {http.StatusConflict, "ports/in_use_externally", "Port In Use"},
	"NO_FREE_PORT_IN_RANGE":  {http.StatusConflict, "ports/range_exhausted", "No Free Port"},
	"LIMIT":                  {http.StatusTooManyRequests, "sessions/limit", "Session Limit Reached"},
	"SPAWN":                  {http.StatusUnprocessableEntity, "sessions/spawn_failed", "Spawn Failed"},
	"IO":                     {http.StatusInternalServerError, "system/io", "Persistence Failure"},
	"TIMEOUT":                {http.StatusGatewayTimeout, "common/timeout", "Deadline Expired"},
}

// renderError maps a typed error onto a problem document. Port conflicts
// attach their suggestions as an extension member.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := errdefs.Code(err)
	m, ok := kindHTTP[code]
	if !ok {
		log.FromContext(r.Context()).Error().Err(err).Msg("unclassified error on control API")
		problem.Write(w, r, http.StatusInternalServerError,
			"system/internal", "Internal Error", "INTERNAL", "internal error", nil)
		return
	}

	var extra map[string]any
	var portErr *errdefs.PortError
	if errors.As(err, &portErr) {
		extra = map[string]any{"suggestions": intSlice(portErr.Suggestions)}
		if portErr.Port > 0 {
			extra["port"] = portErr.Port
		}
	}
	problem.Write(w, r, m.status, m.slug, m.title, code, err.Error(), extra)
}

// intSlice keeps suggestion arrays as [] rather than null in JSON.
func intSlice(in []int) []int {
	if in == nil {
		return []int{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}

// decodeJSON reads a request body strictly: unknown fields are validation
// errors, matching the strict YAML config policy.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.Validationf("invalid request body: %v", err)
	}
	return nil
}
