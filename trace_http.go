package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var traceReqID uint64

func traceHTTPEnabled() bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv("GAMECONTROL_TRACE_HTTP")))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

type traceResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *traceResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *traceResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *traceResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working behind the trace wrapper.
func (w *traceResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	return hj.Hijack()
}

// traceHTTP logs request/response pairs when GAMECONTROL_TRACE_HTTP is
// set. Off by default; console streams make per-request logging noisy.
func traceHTTP(next http.Handler) http.Handler {
	if !traceHTTPEnabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := atomic.AddUint64(&traceReqID, 1)
		start := time.Now()
		tw := &traceResponseWriter{ResponseWriter: w}
		log.Printf("gamecontrold: trace id=%d %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(tw, r)
		log.Printf("gamecontrold: trace id=%d status=%d elapsed=%s", id, tw.status, time.Since(start).Truncate(time.Millisecond))
	})
}
