package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

var compressibleTypes = []string{"application/json", "text/html", "text/plain"}

// GzipMiddleware распаковывает тело запроса с Content-Encoding: gzip и сжимает
// ответ, если клиент его принимает.
func GzipMiddleware(next http.Handler) http.Handler {
	compress := chimw.Compress(5, compressibleTypes...)
	return decompressRequest(compress(next))
}

type gzipBody struct {
	*gzip.Reader
	src io.ReadCloser
}

func (b gzipBody) Close() error {
	_ = b.Reader.Close()
	return b.src.Close()
}

func decompressRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "malformed gzip body", http.StatusBadRequest)
			return
		}
		r.Body = gzipBody{Reader: zr, src: r.Body}
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}
