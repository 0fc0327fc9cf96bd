package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// resettable is the shared surface of the pooled compressors.
type resettable interface {
	io.WriteCloser
	Reset(io.Writer)
}

var (
	brotliPool = sync.Pool{New: func() any {
		return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression)
	}}
	gzipPool = sync.Pool{New: func() any {
		return gzip.NewWriter(io.Discard)
	}}
)

// compressMiddleware negotiates response compression, preferring brotli
// over gzip when the client accepts both.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding, pool := preferredEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Accept-Encoding")
		cw := &compressWriter{ResponseWriter: w, encoding: encoding, pool: pool}
		defer cw.close()
		next.ServeHTTP(cw, r)
	})
}

func preferredEncoding(accept string) (string, *sync.Pool) {
	var gzipOK bool
	for _, part := range strings.Split(accept, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch name {
		case "br":
			return "br", &brotliPool
		case "gzip":
			gzipOK = true
		}
	}
	if gzipOK {
		return "gzip", &gzipPool
	}
	return "", nil
}

// compressWriter wraps the response in a pooled compressor, initialized
// lazily on the first body write.
type compressWriter struct {
	http.ResponseWriter
	encoding    string
	pool        *sync.Pool
	w           resettable
	wroteHeader bool
}

func (cw *compressWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.Header().Set("Content-Encoding", cw.encoding)
	cw.Header().Del("Content-Length")
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.w == nil {
		cw.w = cw.pool.Get().(resettable)
		cw.w.Reset(cw.ResponseWriter)
	}
	return cw.w.Write(p)
}

// close flushes the compressor and returns it to its pool.
func (cw *compressWriter) close() {
	if cw.w == nil {
		return
	}
	cw.w.Close()
	cw.w.Reset(io.Discard)
	cw.pool.Put(cw.w)
	cw.w = nil
}
