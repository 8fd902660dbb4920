package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"sonicwave/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool keeps reusable gzip writers so JSON API responses don't pay
// an allocation per request. BestSpeed is the right trade for small control
// plane payloads.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter intercepts Write calls and routes the body through a
// gzip writer while header access still goes to the original ResponseWriter.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush drains the gzip buffer and then the underlying writer, so playlist
// and API responses can stream incrementally.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware wraps a handler with transparent gzip response compression
// for clients that advertise it. Blob byte responses are exempt: encoded
// audio is already compressed and recompressing it only burns CPU, so the
// blob route must not be wrapped with this middleware in the first place,
// but the Accept-Encoding check here covers everything else.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		// pass through if the client doesn't accept gzip encoding
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		// compressed size is unknown up front, drop any content-length
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - GzipMiddleware} failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
