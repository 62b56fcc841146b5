package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing authenticated user information.
type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized persona within the marketplace.
type Role string

// Supported roles.
const (
	RoleOperator Role = "operator"
	RoleInvestor Role = "investor"
)

var allowedRoles = map[Role]struct{}{
	RoleOperator: {},
	RoleInvestor: {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject    string
	UserID     uuid.UUID
	Role       Role
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// JWTOptions controls signature verification and claim handling.
type JWTOptions struct {
	Alg            string
	Issuer         string
	Audience       []string
	MaxSkewSeconds int
	// HSSecret takes precedence over HSSecretEnv when both are set.
	HSSecret         string
	HSSecretEnv      string
	RSAPublicKeyFile string
	RoleClaim        string
	// RoleMap translates external role names (for example "inversor") onto Roles.
	RoleMap map[string]Role
	Now     func() time.Time
}

// Middleware enforces bearer JWT authentication.
type Middleware struct {
	verifier *jwtVerifier
}

// NewMiddleware constructs a Middleware using the supplied configuration.
func NewMiddleware(opts JWTOptions) (*Middleware, error) {
	verifier, err := newJWTVerifier(opts)
	if err != nil {
		return nil, err
	}
	return &Middleware{verifier: verifier}, nil
}

// Middleware verifies the bearer token before invoking the next handler.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	if m == nil {
		panic("auth middleware is nil")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		scheme, token, found := strings.Cut(authz, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("missing identity in context")
	}
	return claims, nil
}

// RequireRole ensures the authenticated user has at least one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type jwtVerifier struct {
	method    jwt.SigningMethod
	key       any
	issuer    string
	audience  []string
	leeway    time.Duration
	roleClaim string
	roleMap   map[string]Role
	now       func() time.Time
}

func newJWTVerifier(cfg JWTOptions) (*jwtVerifier, error) {
	method := strings.ToUpper(strings.TrimSpace(cfg.Alg))
	if method == "" {
		method = jwt.SigningMethodHS256.Alg()
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}
	roleClaim := strings.TrimSpace(cfg.RoleClaim)
	if roleClaim == "" {
		roleClaim = "role"
	}

	var (
		signingMethod jwt.SigningMethod
		key           any
	)
	switch method {
	case jwt.SigningMethodHS256.Alg():
		secret, err := resolveSecret(cfg.HSSecret, cfg.HSSecretEnv)
		if err != nil {
			return nil, fmt.Errorf("resolve HS256 secret: %w", err)
		}
		signingMethod = jwt.SigningMethodHS256
		key = []byte(secret)
	case jwt.SigningMethodRS256.Alg():
		pub, err := loadRSAPublicKey(cfg.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("resolve RS256 public key: %w", err)
		}
		signingMethod = jwt.SigningMethodRS256
		key = pub
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", method)
	}

	leeway := time.Duration(cfg.MaxSkewSeconds) * time.Second
	if cfg.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	roleMap := make(map[string]Role, len(cfg.RoleMap))
	for raw, mapped := range cfg.RoleMap {
		if normalized := strings.ToLower(strings.TrimSpace(raw)); normalized != "" {
			roleMap[normalized] = mapped
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &jwtVerifier{
		method:    signingMethod,
		key:       key,
		issuer:    issuer,
		audience:  audiences,
		leeway:    leeway,
		roleClaim: roleClaim,
		roleMap:   roleMap,
		now:       now,
	}, nil
}

// Verify parses token and returns its claims. The subject must be a user id.
func (v *jwtVerifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("JWT verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("token subject missing")
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("token subject is not a user id: %w", err)
	}
	if !v.audienceMatches(extractStringSlice(claims["aud"])) {
		return nil, errors.New("token audience mismatch")
	}
	role, err := v.extractRole(claims)
	if err != nil {
		return nil, err
	}

	return &Claims{
		Subject:    subject,
		UserID:     userID,
		Role:       role,
		Token:      parsed,
		Attributes: claims,
	}, nil
}

func (v *jwtVerifier) audienceMatches(tokenAud []string) bool {
	for _, expected := range v.audience {
		for _, actual := range tokenAud {
			if strings.EqualFold(actual, expected) {
				return true
			}
		}
	}
	return false
}

func (v *jwtVerifier) extractRole(claims jwt.MapClaims) (Role, error) {
	candidates := extractStringSlice(claims[v.roleClaim])
	if len(candidates) == 0 && v.roleClaim != "roles" {
		candidates = extractStringSlice(claims["roles"])
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("missing role claim %q", v.roleClaim)
	}
	for _, candidate := range candidates {
		normalized := strings.ToLower(strings.TrimSpace(candidate))
		if mapped, ok := v.roleMap[normalized]; ok {
			if _, allowed := allowedRoles[mapped]; allowed {
				return mapped, nil
			}
			return "", fmt.Errorf("mapped role %s is not permitted", mapped)
		}
		if _, ok := allowedRoles[Role(normalized)]; ok {
			return Role(normalized), nil
		}
	}
	return "", errors.New("no permitted roles found in token claims")
}

func extractStringSlice(value any) []string {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	case []string:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func resolveSecret(value, envKey string) (string, error) {
	if secret := strings.TrimSpace(value); secret != "" {
		return secret, nil
	}
	if envKey == "" {
		return "", errors.New("HS256 secret must not be empty")
	}
	secret := strings.TrimSpace(os.Getenv(envKey))
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is empty", envKey)
	}
	return secret, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("RSA public key file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(data)
}
