// SPDX-License-Identifier: MIT

// Package problem writes RFC 7807 problem+json responses. Every error the
// control API returns goes through Write, so clients see one shape: type,
// title, status, a stable machine code, detail, and the request id.
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/devsupd/devsupd/internal/log"
)

// HeaderRequestID is the correlation header echoed on every response.
const HeaderRequestID = "X-Request-Id"

// Write renders one problem document.
//
//   - problemType: canonical identifier slug (e.g. "sessions/not_found")
//   - title: short human label
//   - code: stable machine code (errdefs.Code)
//   - detail: human explanation of this specific failure
//   - extra: extension members; reserved RFC 7807 keys are ignored
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string, extra map[string]any) {
	instance := ""
	reqID := ""
	if r != nil {
		instance = r.URL.EscapedPath()
		reqID = log.RequestIDFromContext(r.Context())
	}
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	res := map[string]any{
		"type":   problemType,
		"title":  title,
		"status": status,
		"code":   code,
	}
	if detail != "" {
		res["detail"] = detail
	}
	if instance != "" {
		res["instance"] = instance
	}
	if reqID != "" {
		res["requestId"] = reqID
	}
	logger := log.L()
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code":
			logger.Warn().Str("key", k).Str("problem_type", problemType).
				Msg("ignoring reserved key in problem extras")
			continue
		}
		res[k] = v
	}

	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(res); err != nil {
		logger.Error().Err(err).Str("type", problemType).Int("status", status).
			Msg("failed to encode problem response")
	}
}
