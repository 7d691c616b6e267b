package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/idempotency"
	"github.com/Spot-Canvas/copytrade/internal/repair"
	"github.com/Spot-Canvas/copytrade/internal/store"
)

// Store is the ledger access used by the handlers.
type Store interface {
	Ping(ctx context.Context) error
	UpsertMasterOrder(ctx context.Context, m *domain.MasterOrder) error
	GetMasterOrder(ctx context.Context, orderID string) (*domain.MasterOrder, error)
}

// Pinger reports cache reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pipeline runs replication and propagation.
type Pipeline interface {
	ReplicateMasterOrder(ctx context.Context, master *domain.MasterOrder) (*copytrade.Summary, error)
	PropagateMasterOrderUpdate(ctx context.Context, master *domain.MasterOrder) (*copytrade.PropagationSummary, error)
}

// FeeSettler settles performance fees.
type FeeSettler interface {
	Settle(ctx context.Context, orderID string) (*store.FeeSettlement, error)
}

// Repairer repairs cache state.
type Repairer interface {
	RepairAccountIndices(ctx context.Context, ref domain.AccountRef) (*repair.Report, error)
	RepairSymbolHolders(ctx context.Context, symbol string) (*repair.Report, error)
	RebuildAccountFromLedger(ctx context.Context, ref domain.AccountRef) (*repair.Report, error)
}

// Guard deduplicates mutating requests.
type Guard interface {
	Check(ctx context.Context, key string, ttl time.Duration) (idempotency.Result, error)
	MarkCompleted(ctx context.Context, key string, response any) error
	MarkFailed(ctx context.Context, key string, cause error) error
	Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (any, error)) (json.RawMessage, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Store    Store
	Cache    Pinger
	NATS     *nats.Conn
	Pipeline Pipeline
	Fees     FeeSettler
	Repair   Repairer
	Guard    Guard
}

// Server holds the HTTP server dependencies.
type Server struct {
	repo     Store
	cache    Pinger
	nc       *nats.Conn
	pipeline Pipeline
	fees     FeeSettler
	repair   Repairer
	guard    Guard
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	return &Server{
		repo:     deps.Store,
		cache:    deps.Cache,
		nc:       deps.NATS,
		pipeline: deps.Pipeline,
		fees:     deps.Fees,
		repair:   deps.Repair,
		guard:    deps.Guard,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", IdempotencyHeader},
		MaxAge:         300,
	}))
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/master-orders/import", s.handleImportMasterOrders)
		r.Get("/master-orders/{orderId}", s.handleGetMasterOrder)
		r.Post("/master-orders/{orderId}/replicate", s.handleReplicate)
		r.Post("/master-orders/{orderId}/propagate", s.handlePropagate)

		r.Post("/follower-orders/{orderId}/settle-fee", s.handleSettleFee)

		r.Post("/accounts/{accountType}/{accountId}/repair", s.handleRepairAccount)
		r.Post("/symbols/{symbol}/repair-holders", s.handleRepairHolders)

		r.Post("/idempotency/check", s.handleIdempotencyCheck)
		r.Post("/idempotency/complete", s.handleIdempotencyComplete)
		r.Post("/idempotency/fail", s.handleIdempotencyFail)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
