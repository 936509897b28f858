package middleware

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"time"
)

// quietPaths are probed constantly and would drown out real traffic.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

type loggedWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggedWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack passes through so the websocket upgrade works behind the logger.
func (w *loggedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *loggedWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &loggedWriter{ResponseWriter: w}
		next.ServeHTTP(wrapped, r)

		log.Printf("%s %s %d %d bytes in %v from %s",
			r.Method, r.URL.Path, wrapped.status, wrapped.bytes, time.Since(start), r.RemoteAddr)
	})
}
