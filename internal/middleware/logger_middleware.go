package middleware

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const requestInfoKey contextKey = "requestInfo"

// requestInfo is filled in by later middleware so the access log can name
// the caller.
type requestInfo struct {
	id       string
	userID   string
	tenantID string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func LoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &requestInfo{id: r.Header.Get("X-Request-ID")}
			if info.id == "" {
				info.id = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", info.id)

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			ctx := context.WithValue(r.Context(), requestInfoKey, info)
			next.ServeHTTP(rw, r.WithContext(ctx))

			caller := "anonymous"
			if info.userID != "" {
				caller = info.tenantID + "/" + info.userID
			}

			log.Printf("[%s] %s %s - Status: %d - Duration: %v - Caller: %s - Request: %s",
				r.Method,
				r.URL.Path,
				r.RemoteAddr,
				rw.statusCode,
				time.Since(start),
				caller,
				info.id,
			)
		})
	}
}
