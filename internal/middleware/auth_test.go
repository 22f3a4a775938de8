package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/client"
)

var testSecret = []byte("middleware-secret")

func generateTestKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func newTestAuth(serviceKey *rsa.PublicKey) *AuthMiddleware {
	return NewAuthMiddleware(AuthConfig{
		Secret:     testSecret,
		ServiceKey: serviceKey,
		Logger:     logger.NewDiscard("test"),
	})
}

func claimsEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			t.Error("claims missing from context")
			return
		}
		w.Write([]byte(claims.Subject + "/" + claims.Role))
	})
}

func TestAuthMiddleware_CustomerToken(t *testing.T) {
	auth := newTestAuth(nil)
	token, err := IssueToken(testSecret, "alice", RoleCustomer, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	auth.Handler(claimsEcho(t)).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := rr.Body.String(); got != "alice/customer" {
		t.Errorf("body = %q, want %q", got, "alice/customer")
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	auth := newTestAuth(nil)
	token, _ := IssueToken(testSecret, "bob", RoleAdmin, time.Now(), time.Hour)

	req := httptest.NewRequest("GET", "/realtime?access_token="+token, nil)
	rr := httptest.NewRecorder()
	auth.Handler(claimsEcho(t)).ServeHTTP(rr, req)

	if got := rr.Body.String(); got != "bob/admin" {
		t.Errorf("body = %q, want %q", got, "bob/admin")
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	auth := newTestAuth(nil)
	expired, _ := IssueToken(testSecret, "alice", RoleCustomer, time.Now().Add(-2*time.Hour), time.Hour)
	wrongKey, _ := IssueToken([]byte("other"), "alice", RoleCustomer, time.Now(), time.Hour)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString(testSecret)
	privateKey, _ := generateTestKeys(t)
	service, _ := jwt.NewWithClaims(jwt.SigningMethodRS256, &serviceClaims{
		ServiceID:        "billing",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(privateKey)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", "missing authorization"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"garbage", "Bearer garbage", "invalid token"},
		{"expired", "Bearer " + expired, "invalid token"},
		{"wrong key", "Bearer " + wrongKey, "invalid token"},
		{"no expiry", "Bearer " + noExp, "invalid token"},
		{"service token without key", "Bearer " + service, "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/products", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			auth.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("next handler should not run")
			})).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body = %q, want it to contain %q", rr.Body.String(), tt.want)
			}
		})
	}
}

func TestAuthMiddleware_ServiceToken(t *testing.T) {
	privateKey, publicKey := generateTestKeys(t)
	auth := newTestAuth(publicKey)

	provider, err := client.NewServiceTokenProvider(privateKey, "inventory-sync", "", time.Minute)
	if err != nil {
		t.Fatalf("NewServiceTokenProvider() error = %v", err)
	}
	token, err := provider.FetchCredential(context.Background())
	if err != nil {
		t.Fatalf("FetchCredential() error = %v", err)
	}

	claims, err := auth.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "inventory-sync" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "inventory-sync")
	}
	if claims.Role != RoleService {
		t.Errorf("Role = %q, want %q", claims.Role, RoleService)
	}

	adminProvider, _ := client.NewServiceTokenProvider(privateKey, "catalog-import", RoleAdmin, time.Minute)
	token, _ = adminProvider.FetchCredential(context.Background())
	claims, err = auth.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", claims.Role, RoleAdmin)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin, RoleService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		claims *Claims
		want   int
	}{
		{nil, http.StatusForbidden},
		{&Claims{Role: RoleCustomer}, http.StatusForbidden},
		{&Claims{Role: RoleAdmin}, http.StatusNoContent},
		{&Claims{Role: RoleService}, http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/products", nil)
		if tt.claims != nil {
			req = req.WithContext(context.WithValue(req.Context(), claimsKey{}, tt.claims))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("role %v: status = %d, want %d", tt.claims, rr.Code, tt.want)
		}
	}
}
