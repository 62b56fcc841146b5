package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "marketplace-test-secret"

var testNow = time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

func newTestMiddleware(t *testing.T) *Middleware {
	t.Helper()
	mw, err := NewMiddleware(JWTOptions{
		Issuer:   "crowdfund-auth",
		Audience: []string{"marketplace"},
		HSSecret: testSecret,
		RoleMap:  map[string]Role{"inversor": RoleInvestor, "operador": RoleOperator},
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return mw
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func validClaims(subject string, role string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":  "crowdfund-auth",
		"aud":  "marketplace",
		"sub":  subject,
		"role": role,
		"iat":  testNow.Unix(),
		"exp":  testNow.Add(time.Minute).Unix(),
	}
}

func serve(mw *Middleware, token string, next http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	mw.Middleware(next).ServeHTTP(recorder, req)
	return recorder
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	mw := newTestMiddleware(t)
	userID := uuid.New()

	var seen *Claims
	recorder := serve(mw, sign(t, validClaims(userID.String(), "inversor")), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		require.NoError(t, err)
		seen = claims
		w.WriteHeader(http.StatusTeapot)
	}))

	require.Equal(t, http.StatusTeapot, recorder.Code)
	require.NotNil(t, seen)
	require.Equal(t, userID, seen.UserID)
	require.Equal(t, RoleInvestor, seen.Role)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	mw := newTestMiddleware(t)
	userID := uuid.New().String()
	unreachable := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("request should not reach handler")
	})

	expired := validClaims(userID, "operator")
	expired["exp"] = testNow.Add(-time.Hour).Unix()

	wrongAudience := validClaims(userID, "operator")
	wrongAudience["aud"] = "billing"

	wrongIssuer := validClaims(userID, "operator")
	wrongIssuer["iss"] = "someone-else"

	noExpiry := validClaims(userID, "operator")
	delete(noExpiry, "exp")

	cases := map[string]string{
		"missing":        "",
		"expired":        sign(t, expired),
		"audience":       sign(t, wrongAudience),
		"issuer":         sign(t, wrongIssuer),
		"no expiry":      sign(t, noExpiry),
		"unknown role":   sign(t, validClaims(userID, "admin")),
		"subject format": sign(t, validClaims("alice", "operator")),
		"garbage":        "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			recorder := serve(mw, token, unreachable)
			require.Equal(t, http.StatusUnauthorized, recorder.Code)
		})
	}
}

func TestMiddlewareRejectsWrongScheme(t *testing.T) {
	mw := newTestMiddleware(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	recorder := httptest.NewRecorder()
	mw.Middleware(http.NotFoundHandler()).ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	investor := req.WithContext(WithClaims(req.Context(), &Claims{Subject: "x", Role: RoleInvestor}))
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, investor)
	require.Equal(t, http.StatusForbidden, recorder.Code)

	operator := req.WithContext(WithClaims(req.Context(), &Claims{Subject: "x", Role: RoleOperator}))
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, operator)
	require.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestNewMiddlewareValidation(t *testing.T) {
	_, err := NewMiddleware(JWTOptions{Audience: []string{"a"}, HSSecret: "s"})
	require.Error(t, err)

	_, err = NewMiddleware(JWTOptions{Issuer: "i", HSSecret: "s"})
	require.Error(t, err)

	_, err = NewMiddleware(JWTOptions{Issuer: "i", Audience: []string{"a"}, HSSecretEnv: "MARKET_TEST_UNSET_SECRET"})
	require.Error(t, err)

	_, err = NewMiddleware(JWTOptions{Issuer: "i", Audience: []string{"a"}, Alg: "ES256", HSSecret: "s"})
	require.Error(t, err)

	t.Setenv("MARKET_TEST_SECRET", "from-env")
	_, err = NewMiddleware(JWTOptions{Issuer: "i", Audience: []string{"a"}, HSSecretEnv: "MARKET_TEST_SECRET"})
	require.NoError(t, err)
}
