// Package api is the JSON transport over the exchange: routing, bearer-token
// authentication, the error envelope, and request instrumentation. All
// trading semantics live in the engine; handlers only translate.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/HaoWen46/OrderBook/internal/accounts"
	"github.com/HaoWen46/OrderBook/internal/engine"
	"github.com/HaoWen46/OrderBook/internal/metrics"
)

// Server wires the engine and account service into an HTTP handler.
type Server struct {
	engine   *engine.Engine
	accounts *accounts.Service
	logger   *zap.Logger
	metrics  *metrics.Collector
	router   *mux.Router
	cors     *cors.Cors
}

// NewServer builds the router. allowedOrigins configures CORS for the
// browser UI; a single "*" entry allows any origin.
func NewServer(eng *engine.Engine, acc *accounts.Service, logger *zap.Logger, collector *metrics.Collector, allowedOrigins []string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:   eng,
		accounts: acc,
		logger:   logger,
		metrics:  collector,
		router:   mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Accounts and sessions.
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.requireAuth(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/users/me", s.requireAuth(s.handleProfile)).Methods(http.MethodGet)
	api.HandleFunc("/users/me", s.requireAuth(s.handleDeleteAccount)).Methods(http.MethodDelete)

	// Market data.
	api.HandleFunc("/symbols", s.handleListSymbols).Methods(http.MethodGet)
	api.HandleFunc("/book/{symbolID}", s.handleBookSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/trades/{symbolID}", s.handleRecentTrades).Methods(http.MethodGet)

	// Orders.
	api.HandleFunc("/orders", s.requireAuth(s.handleSubmitOrder)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.requireAuth(s.handleGetOrder)).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.requireAuth(s.handleCancelOrder)).Methods(http.MethodDelete)

	// Float and symbol lifecycle. The engine enforces the manager role.
	api.HandleFunc("/admin/symbols", s.requireAuth(s.handleCreateSymbol)).Methods(http.MethodPost)
	api.HandleFunc("/admin/symbols/{id}", s.requireAuth(s.handleDeleteSymbol)).Methods(http.MethodDelete)
	api.HandleFunc("/admin/symbols/{id}/mint", s.requireAuth(s.handleMint)).Methods(http.MethodPost)
	api.HandleFunc("/admin/symbols/{id}/burn", s.requireAuth(s.handleBurn)).Methods(http.MethodPost)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the fully wrapped root handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
