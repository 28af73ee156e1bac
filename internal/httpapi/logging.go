package httpapi

import (
	"bufio"
	"errors"
	"expvar"
	"log"
	"net"
	"net/http"
	"time"
)

var (
	requestsTotal   = expvar.NewInt("requests_total")
	requestsErrors  = expvar.NewInt("requests_errors_total")
	requestsLimited = expvar.NewInt("requests_rate_limited_total")
	wsUpgrades      = expvar.NewInt("ws_upgrades_total")
)

// responseRecorder remembers the status written by the wrapped handler.
// Hijacked connections are recorded as 101.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *responseRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.hijacked = true
	return hijacker.Hijack()
}

// LoggingMiddleware writes one line per request. Websocket sessions are
// logged when they end, with their full duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		requestsTotal.Add(1)
		switch {
		case rec.hijacked:
			wsUpgrades.Add(1)
		case rec.status == http.StatusTooManyRequests:
			requestsLimited.Add(1)
			requestsErrors.Add(1)
		case rec.status >= http.StatusBadRequest:
			requestsErrors.Add(1)
		}
		log.Printf("request method=%s path=%s status=%d duration_ms=%d remote=%s item=%s request_id=%s",
			r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds(), clientIP(r), itemIDFromPath(r), requestIDFromRequest(r))
	})
}
