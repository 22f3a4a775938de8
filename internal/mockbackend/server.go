// Package mockbackend is an in-memory storefront backend: a small products and
// orders REST API guarded by bearer tokens, plus a realtime assistant channel.
// It backs local development via cmd/mockbackend and the integration tests.
package mockbackend

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/storefront_transport/internal/metrics"
	"github.com/R3E-Network/storefront_transport/internal/middleware"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
)

// Roles carried in issued tokens.
const (
	RoleCustomer = middleware.RoleCustomer
	RoleAdmin    = middleware.RoleAdmin
)

// Config configures a Server.
type Config struct {
	// Secret signs and verifies HS256 bearer tokens. Required.
	Secret []byte
	// ServiceKey verifies RS256 service tokens. Nil rejects them.
	ServiceKey *rsa.PublicKey
	// Users maps usernames to plaintext passwords accepted by POST /auth/token.
	Users map[string]string
	// Admins lists usernames issued the admin role.
	Admins []string
	// TokenTTL is the lifetime of issued tokens. Defaults to one hour.
	TokenTTL time.Duration
	// BroadcastSchedule is a cron spec for the periodic system broadcast, e.g.
	// "@every 30s". Empty disables it.
	BroadcastSchedule string
	// AllowedOrigins enables CORS for browser storefronts.
	AllowedOrigins []string
	// RateLimit caps authenticated requests per identity per second. Zero disables it.
	RateLimit float64
	RateBurst int
	Logger    *logger.Logger
}

type fault struct {
	status  int
	message string
}

// Server is the mock backend.
type Server struct {
	cfg      Config
	log      *logger.Logger
	router   *mux.Router
	handler  http.Handler
	catalog  *catalog
	hub      *hub
	cron     *cron.Cron
	users    map[string][]byte
	admins   map[string]bool
	upgrader websocket.Upgrader
	auth     *middleware.AuthMiddleware
	limiter  *middleware.RateLimiter
	now      func() time.Time

	stopCleanup context.CancelFunc

	mu     sync.RWMutex
	faults map[string]fault
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("mockbackend")
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		catalog: newCatalog(),
		hub:     newHub(log),
		users:   make(map[string][]byte, len(cfg.Users)),
		admins:  make(map[string]bool, len(cfg.Admins)),
		faults:  make(map[string]fault),
		now:     time.Now,
	}
	for name, password := range cfg.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", name, err)
		}
		s.users[name] = hash
	}
	for _, name := range cfg.Admins {
		s.admins[name] = true
	}

	s.auth = middleware.NewAuthMiddleware(middleware.AuthConfig{
		Secret:     cfg.Secret,
		ServiceKey: cfg.ServiceKey,
		Logger:     log,
		Now:        func() time.Time { return s.now() },
	})
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	}

	if cfg.BroadcastSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.BroadcastSchedule, s.broadcastStatus); err != nil {
			return nil, fmt.Errorf("invalid broadcast schedule %q: %w", cfg.BroadcastSchedule, err)
		}
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler, middleware.NewTracingMiddleware(s.log).Handler)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/auth/token", s.handleToken).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(s.auth.Handler)
	if s.limiter != nil {
		api.Use(s.limiter.Handler)
	}
	api.Use(s.injectFaults)
	api.HandleFunc("/products", s.handleListProducts).Methods("GET")
	api.Handle("/products", middleware.RequireRole(RoleAdmin, middleware.RoleService)(http.HandlerFunc(s.handleCreateProduct))).Methods("POST")
	api.HandleFunc("/products/{id}", s.handleGetProduct).Methods("GET")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/realtime", s.handleRealtime).Methods("GET")
	api.HandleFunc("/realtime/{identity}", s.handleRealtime).Methods("GET")

	s.router = r
	s.handler = r
	// Preflight requests match no route, so CORS wraps the router itself.
	if len(s.cfg.AllowedOrigins) > 0 {
		s.handler = middleware.NewCORSMiddleware(s.cfg.AllowedOrigins).Handler(r)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the broadcast schedule, if any.
func (s *Server) Start() {
	if s.cron != nil {
		s.cron.Start()
	}
	if s.limiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		s.limiter.StartCleanup(ctx, 5*time.Minute)
	}
}

// Stop halts the broadcast schedule and disconnects every realtime session.
func (s *Server) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	s.hub.closeAll(websocket.CloseGoingAway, "server shutting down")
}

// IssueToken signs a token for subject with role. A non-positive ttl uses the
// configured TokenTTL.
func (s *Server) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.TokenTTL
	}
	return middleware.IssueToken(s.cfg.Secret, subject, role, s.now(), ttl)
}

// InjectFault makes method+path answer status with a {"message": ...} body until
// cleared. Authentication still runs first.
func (s *Server) InjectFault(method, path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[strings.ToUpper(method)+" "+path] = fault{status: status, message: message}
}

// ClearFaults removes every injected fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]fault)
}

// DropSessions closes every realtime connection as if the network failed.
func (s *Server) DropSessions() int {
	return s.hub.closeAll(websocket.CloseGoingAway, "connection reset")
}

// Sessions returns the number of connected realtime sessions.
func (s *Server) Sessions() int {
	return s.hub.count()
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		f, ok := s.faults[r.Method+" "+r.URL.Path]
		s.mu.RUnlock()
		if ok {
			middleware.WriteJSON(w, f.status, map[string]string{"message": f.message})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(ctx context.Context) *middleware.Claims {
	if c := middleware.ClaimsFromContext(ctx); c != nil {
		return c
	}
	return &middleware.Claims{}
}
