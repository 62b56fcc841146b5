package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"crowdfund/observability"
	"crowdfund/services/marketplace/auth"
	"crowdfund/services/marketplace/internal/testdb"
	"crowdfund/services/marketplace/models"
)

func TestIdempotencyReplaysResponse(t *testing.T) {
	db := testdb.Open(t)
	var calls atomic.Int32
	handler := WithIdempotency(db, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "abc-123", IdempotencyKeyFromContext(r.Context()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bids", nil)
		req.Header.Set(HeaderIdempotencyKey, "abc-123")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		require.Equal(t, http.StatusCreated, recorder.Code)
		require.JSONEq(t, `{"id":1}`, recorder.Body.String())
		if i == 1 {
			require.Equal(t, "true", recorder.Header().Get("Idempotent-Replay"))
		}
	}
	require.EqualValues(t, 1, calls.Load())

	var stored models.IdempotencyKey
	require.NoError(t, db.First(&stored, "key = ?", "abc-123").Error)
	require.Equal(t, http.MethodPost, stored.Method)
	require.Equal(t, "/api/v1/bids", stored.Path)
}

func TestIdempotencyRejectsKeyReuseAcrossRequests(t *testing.T) {
	db := testdb.Open(t)
	handler := WithIdempotency(db, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bids", nil)
	req.Header.Set(HeaderIdempotencyKey, "shared")
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Subject: "alice", Role: auth.RoleInvestor}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	other := httptest.NewRequest(http.MethodPost, "/api/v1/bids", nil)
	other.Header.Set(HeaderIdempotencyKey, "shared")
	other = other.WithContext(auth.WithClaims(other.Context(), &auth.Claims{Subject: "bob", Role: auth.RoleInvestor}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	require.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	db := testdb.Open(t)
	var calls atomic.Int32
	handler := WithIdempotency(db, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", nil)
		req.Header.Set(HeaderIdempotencyKey, "retry-me")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.EqualValues(t, 2, calls.Load())
}

func TestIdempotencyConcurrentSameKeyRunsOnce(t *testing.T) {
	db := testdb.Open(t)
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := WithIdempotency(db, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", nil)
		req.Header.Set(HeaderIdempotencyKey, "k1")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		return recorder
	}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- send() }()
	<-entered

	duplicate := send()
	require.Equal(t, http.StatusConflict, duplicate.Code)

	close(release)
	require.Equal(t, http.StatusCreated, (<-first).Code)

	replay := send()
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, `{"id":7}`, replay.Body.String())
	require.EqualValues(t, 1, calls.Load())
}

func TestIdempotencyReleasesKeyAfterPanic(t *testing.T) {
	db := testdb.Open(t)
	var calls atomic.Int32
	handler := WithIdempotency(db, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bids", nil)
	req.Header.Set(HeaderIdempotencyKey, "after-panic")
	require.Panics(t, func() { handler.ServeHTTP(httptest.NewRecorder(), req) })

	var count int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Where("key = ?", "after-panic").Count(&count).Error)
	require.Zero(t, count)

	retry := httptest.NewRequest(http.MethodPost, "/api/v1/bids", nil)
	retry.Header.Set(HeaderIdempotencyKey, "after-panic")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, retry)
	require.Equal(t, http.StatusCreated, recorder.Code)
	require.EqualValues(t, 2, calls.Load())
}

func TestIdempotencyPassThroughWithoutKey(t *testing.T) {
	db := testdb.Open(t)
	var calls atomic.Int32
	handler := WithIdempotency(db, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	}
	require.EqualValues(t, 3, calls.Load())
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2})
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	throttled := observability.HTTP().Throttles().WithLabelValues("rate_limit")
	before := testutil.ToFloat64(throttled)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		return recorder.Code
	}

	require.Equal(t, http.StatusNoContent, send("10.0.0.1:5000"))
	require.Equal(t, http.StatusNoContent, send("10.0.0.1:5001"))
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5002"))
	require.Equal(t, http.StatusNoContent, send("10.0.0.2:5000"))
	require.Equal(t, before+1, testutil.ToFloat64(throttled))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, send("10.0.0.1:5003"))

	now = now.Add(10 * time.Minute)
	send("10.0.0.3:1")
	require.Len(t, limiter.visitors, 1)
}

func TestRateLimiterDisabled(t *testing.T) {
	handler := NewRateLimiter(RateLimit{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, recorder.Code)
	}
}

func TestClientIDPrefersSubject(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientID(req))

	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Subject: "u-1"}))
	require.Equal(t, "sub:u-1", clientID(req))
}
