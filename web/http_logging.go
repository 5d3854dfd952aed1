// ABOUTME: HTTP logging middleware emitting one line per API request in log.Printf style.
// ABOUTME: Logs the matched chi route pattern and project id so run traffic is traceable per project.

package web

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseMeta captures the status and body size written by a handler.
type responseMeta struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseMeta) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseMeta) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// requestLogger logs one line per request. The chi route pattern keeps the
// log greppable by endpoint; the project id ties API traffic to run logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseMeta{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		line := fmt.Sprintf("api request method=%s route=%s status=%d bytes=%d duration=%s remote=%s",
			r.Method, route, status, rec.bytes, time.Since(start).Round(time.Microsecond), r.RemoteAddr)
		if projectID := chi.URLParam(r, "projectID"); projectID != "" {
			line += " project=" + projectID
		}
		log.Print(line)
	})
}
