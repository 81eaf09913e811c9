// Package idempotency replays the first completed response for a repeated Idempotency-Key,
// so a client retrying a registration after a dropped connection does not hit a conflict.
package idempotency

import (
	"authgateway/internal/errors"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	HeaderKey = "Idempotency-Key"
	HeaderHit = "X-Idempotency-Hit"

	saveTimeout  = 5 * time.Second
	maxBodyBytes = 64 << 10
)

type IdempotencyStore interface {
	Lock(ctx context.Context, key string) (bool, error)
	GetResponse(ctx context.Context, key string) (*IdempotencyResponse, bool, error)
	SaveResponse(ctx context.Context, key string, resp IdempotencyResponse) error
	Delete(ctx context.Context, key string) error
}

type IdempotencyResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// ignoredHeaders are never stored or replayed. Set-Cookie is excluded so a replay can
// never hand out a session that belonged to the first response.
var ignoredHeaders = map[string]bool{
	"Access-Control-Allow-Origin":      true,
	"Access-Control-Allow-Methods":     true,
	"Access-Control-Allow-Headers":     true,
	"Access-Control-Allow-Credentials": true,
	"Access-Control-Expose-Headers":    true,
	"Date":                             true,
	"Content-Length":                   true,
	"Connection":                       true,
	"Set-Cookie":                       true,
	"X-Request-Id":                     true,
}

// Idempotency guards a handler with the Idempotency-Key header. Requests without the
// header pass through untouched. Keys are scoped to the request path and body, so reusing a
// key for a different payload runs as a new request instead of replaying a stale answer.
func Idempotency(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			header := r.Header.Get(HeaderKey)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "Could not read request body", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			key := requestKey(r.URL.Path, header, body)

			// SETNX: only one request with this key gets past here.
			acquired, err := store.Lock(ctx, key)
			if err != nil {
				// Fail closed: running the handler twice is worse than a retryable error.
				errors.RespondError(w, r, errors.New(errors.ErrInternal, "Idempotency service unavailable", err))
				return
			}

			if !acquired {
				cached, found, err := store.GetResponse(ctx, key)
				if err != nil {
					errors.RespondError(w, r, errors.New(errors.ErrInternal, "Idempotency service unavailable", err))
					return
				}

				if found && cached != nil {
					replay(w, cached)
					return
				}

				// Locked but no response yet: a request with this key is still running.
				w.Header().Set("Retry-After", "1")
				errors.RespondError(w, r, errors.New(errors.ErrConflict, "Request is currently being processed", nil))
				return
			}

			recorder := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(recorder, r)

			// The outcome must outlive the client connection.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
			defer cancel()

			// 5xx and 429 are transient: release the key so a retry runs again.
			if recorder.statusCode >= http.StatusInternalServerError || recorder.statusCode == http.StatusTooManyRequests {
				slog.WarnContext(ctx, "Releasing idempotency key after server error", "key", header, "status", recorder.statusCode)
				if err := store.Delete(saveCtx, key); err != nil {
					slog.ErrorContext(ctx, "Failed to release idempotency key", "key", header, "error", err)
				}
				return
			}

			resp := IdempotencyResponse{
				StatusCode: recorder.statusCode,
				Headers:    cleanHeaders(recorder.Header()),
				Body:       recorder.body.Bytes(),
			}
			if err := store.SaveResponse(saveCtx, key, resp); err != nil {
				slog.ErrorContext(ctx, "Failed to save idempotency response", "key", header, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, cached *IdempotencyResponse) {
	for k, v := range cached.Headers {
		if ignoredHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, val := range v {
			w.Header().Add(k, val)
		}
	}
	w.Header().Set(HeaderHit, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func cleanHeaders(headers http.Header) http.Header {
	clean := make(http.Header, len(headers))
	for k, v := range headers {
		if !ignoredHeaders[http.CanonicalHeaderKey(k)] {
			clean[k] = append([]string(nil), v...)
		}
	}
	return clean
}

// responseRecorder copies the response as it goes out.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func requestKey(path, header string, body []byte) string {
	sum := sha256.Sum256(body)
	return path + ":" + header + ":" + hex.EncodeToString(sum[:8])
}
