package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"audio-relay/work/logger"
)

// writers are reused across admin responses; BestSpeed keeps JSON
// status polling cheap.
var writers = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipWriter sends the body through gz while headers still go to the
// wrapped ResponseWriter.
type gzipWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

// WriteHeader forwards the status line to the client once. Content-Encoding
// was already set by GzipMiddleware, so the header map is final here and a
// second call from a handler is ignored rather than logged by net/http as a
// superfluous WriteHeader.
func (w *gzipWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses b into the pooled gzip stream. A handler that writes
// without calling WriteHeader gets an implicit 200, as with a plain
// ResponseWriter. The returned count is of uncompressed bytes accepted; the
// compressed tail is only sent when GzipMiddleware closes the stream.
func (w *gzipWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.gz.Write(b)
}

// Flush pushes compressed bytes out to the client.
func (w *gzipWriter) Flush() {
	w.gz.Flush()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AcceptsGzip reports whether the request advertises gzip support.
func AcceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// GzipMiddleware compresses the response of next when the client accepts
// gzip. Websocket upgrades must not go through it.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if !AcceptsGzip(r) {
			next(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		// the pooled writer keeps its buffers; Reset points it at this response
		gz := writers.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware - GzipMiddleware} closing gzip stream for %s %s: %v", r.Method, r.URL.Path, err)
			}
			writers.Put(gz)
		}()

		next(&gzipWriter{ResponseWriter: w, gz: gz}, r)
	}
}
