package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"crowdfund/services/marketplace/auth"
	"crowdfund/services/marketplace/ledger"
	"crowdfund/services/marketplace/models"
)

// HeaderIdempotencyKey is the request header carrying the client's replay key.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// IdempotencyKeyFromContext returns the replay key attached to the request.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// WithIdempotency ensures requests with the same key are executed once. The
// key is claimed before the handler runs, so a concurrent duplicate gets 409
// instead of executing twice. The completed response is stored and replayed
// for later requests carrying the same key from the same subject. Server
// errors release the key so the client may retry them.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			subject := ""
			if claims, err := auth.FromContext(r.Context()); err == nil {
				subject = claims.Subject
			}

			var record models.IdempotencyKey
			err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
			switch {
			case err == nil:
				if record.Subject != subject || record.Method != r.Method || record.Path != r.URL.Path {
					http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
					return
				}
				if record.Status == 0 {
					http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				http.Error(w, "idempotency lookup failed", http.StatusServiceUnavailable)
				return
			}

			// Claim the key before running the handler. A concurrent request
			// with the same key loses the insert and is told to retry later.
			claim := models.IdempotencyKey{
				Key:       key,
				RequestID: uuid.NewString(),
				Method:    r.Method,
				Path:      r.URL.Path,
				Subject:   subject,
				CreatedAt: time.Now().UTC(),
			}
			if err := db.WithContext(r.Context()).Create(&claim).Error; err != nil {
				if ledger.IsUniqueViolation(err) {
					http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
					return
				}
				http.Error(w, "idempotency lookup failed", http.StatusServiceUnavailable)
				return
			}

			storeCtx := context.WithoutCancel(r.Context())
			release := func() {
				if err := db.WithContext(storeCtx).Delete(&models.IdempotencyKey{}, "key = ? AND status = ?", key, 0).Error; err != nil {
					logger.WarnContext(r.Context(), "release idempotency key failed", slog.String("error", err.Error()))
				}
			}

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
			completed := false
			defer func() {
				if !completed {
					release()
				}
			}()
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			completed = true
			err = db.WithContext(storeCtx).Model(&models.IdempotencyKey{}).
				Where("key = ?", key).
				Updates(map[string]any{"status": status, "response": recorder.buf.String()}).Error
			if err != nil {
				logger.WarnContext(r.Context(), "store idempotent response failed", slog.String("error", err.Error()))
				release()
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
