// Package middleware provides the HTTP middleware used by the mock storefront backend.
package middleware

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/storefront_transport/pkg/logger"
)

// Roles carried in token claims.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
	RoleService  = "service"
)

// Claims are the bearer token claims accepted by AuthMiddleware.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// serviceClaims is the shape of RS256 service tokens.
type serviceClaims struct {
	ServiceID string `json:"service_id"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// AuthConfig configures AuthMiddleware.
type AuthConfig struct {
	// Secret verifies HS256 customer tokens. Required.
	Secret []byte
	// ServiceKey verifies RS256 service tokens. Nil rejects them.
	ServiceKey *rsa.PublicKey
	Logger     *logger.Logger
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// AuthMiddleware authenticates bearer tokens from the Authorization header or,
// for websocket upgrades, the access_token query parameter.
type AuthMiddleware struct {
	secret     []byte
	serviceKey *rsa.PublicKey
	logger     *logger.Logger
	now        func() time.Time
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{
		secret:     cfg.Secret,
		serviceKey: cfg.ServiceKey,
		logger:     log,
		now:        now,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			token = strings.TrimSpace(parts[1])
		} else {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			WriteError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := m.Validate(token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("token validation failed")
			WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = logger.WithIdentity(ctx, claims.Subject)
		m.logger.WithContext(ctx).WithField("role", claims.Role).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Validate verifies token and returns its claims. HS256 tokens are customer or
// admin sessions; RS256 tokens are service tokens and get RoleService unless
// they carry their own role.
func (m *AuthMiddleware) Validate(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())

	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	if _, ok := unverified.Method.(*jwt.SigningMethodRSA); ok {
		return m.validateService(parser, tokenString)
	}

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func (m *AuthMiddleware) validateService(parser *jwt.Parser, tokenString string) (*Claims, error) {
	if m.serviceKey == nil {
		return nil, fmt.Errorf("service tokens are not accepted")
	}
	sc := &serviceClaims{}
	token, err := parser.ParseWithClaims(tokenString, sc, func(token *jwt.Token) (interface{}, error) {
		return m.serviceKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || sc.ServiceID == "" {
		return nil, fmt.Errorf("invalid service token claims")
	}

	role := sc.Role
	if role == "" {
		role = RoleService
	}
	claims := &Claims{Role: role, RegisteredClaims: sc.RegisteredClaims}
	claims.Subject = sc.ServiceID
	return claims, nil
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret []byte, subject, role string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "storefront-mockbackend",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ClaimsFromContext returns the authenticated claims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireRole rejects requests whose claims do not carry one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || !allowed[claims.Role] {
				WriteError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
