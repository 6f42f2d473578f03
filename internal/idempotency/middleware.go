package idempotency

import (
	"bytes"
	"io"
	"net/http"

	"agentgateway/internal/apierr"
	"agentgateway/internal/httpx"
)

// recorder captures the response body/status written by next.ServeHTTP so
// it can be persisted as the replay payload, grounded on the
// responseRecorder shape of services/otc-gateway/middleware/idempotency.go.
type recorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware wraps a mutating route with the at-most-once resolution
// algorithm of spec §4.3. route should be a short stable identifier, not
// the raw chi pattern (e.g. "purchase-intents", "webhook:card").
func Middleware(store *Store, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				httpx.WriteError(w, apierr.New(apierr.KindMissingIdempotency, "Idempotency-Key header is required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "read request body", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := Fingerprint(body)
			outcome, record, err := store.Begin(r.Context(), route, key, fingerprint)
			if err != nil {
				httpx.WriteError(w, err)
				return
			}

			if outcome == Replay {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.StatusCode)
				_, _ = w.Write(record.ResponseBody)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			_ = store.Complete(r.Context(), route, key, rec.status, rec.buf.Bytes())
		})
	}
}
