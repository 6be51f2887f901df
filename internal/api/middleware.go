// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/devsupd/devsupd/internal/api/problem"
	"github.com/devsupd/devsupd/internal/ident"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/metrics"
)

// requestID accepts the client's X-Request-Id or generates one, stores it in
// the context for log correlation, and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(problem.HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = ident.NewID()
		}
		ctx := log.ContextWithRequestID(r.Context(), id)
		w.Header().Set(problem.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog emits one structured line per request and feeds the latency
// histogram. Streaming routes report on disconnect like any other request.
func accessLog(next http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context())
		pattern := r.URL.Path
		if route != nil && route.RoutePattern() != "" {
			pattern = route.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestSeconds.WithLabelValues(
			pattern, r.Method, fmt.Sprintf("%dxx", status/100)).Observe(elapsed.Seconds())

		reqLogger := log.WithContext(r.Context(), logger)
		reqLogger.Info().
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// recoverer converts handler panics into problem+json 500s instead of
// tearing the connection down mid-body.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.FromContext(r.Context()).Error().
					Interface("panic", rec).Str(log.FieldPath, r.URL.Path).
					Msg("handler panic")
				problem.Write(w, r, http.StatusInternalServerError,
					"system/internal", "Internal Error", "INTERNAL", "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit bounds mutating verbs per client with a sliding window.
func rateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			problem.Write(w, r, http.StatusTooManyRequests,
				"common/rate_limited", "Rate Limit Exceeded", "RATE_LIMITED",
				"too many requests, slow down", nil)
		}),
	)
}
