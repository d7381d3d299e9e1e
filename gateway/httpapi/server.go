// Package httpapi is the gateway's public HTTP surface: signup, metered
// capability calls, wallet funding, agent and policy management, the service
// catalog, and runtime registry review.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"satgate/core/adapter"
	"satgate/core/auth"
	"satgate/core/ledger"
	"satgate/core/pipeline"
	"satgate/core/pricing"
	"satgate/core/registry"
	"satgate/gateway/middleware"
	"satgate/gateway/respond"
	"satgate/settle/checkout"
	"satgate/settle/lightning"
)

// maxRequestBody bounds inbound JSON bodies.
const maxRequestBody = 1 << 20

// Config wires the server's collaborators.
type Config struct {
	DB            *gorm.DB
	Logger        *slog.Logger
	Authenticator *auth.Authenticator
	Pipeline      *pipeline.Pipeline
	Oracle        *pricing.Oracle
	Registry      *registry.Registry
	Adapters      *adapter.Set
	Ledger        *ledger.Ledger

	InvoiceIssuer lightning.Issuer
	InvoiceTTL    time.Duration

	CheckoutWebhook *checkout.Settler
	Sessions        checkout.SessionCreator
	SuccessURL      string
	CancelURL       string

	AdminSecretEnv string
	RatePerSecond  float64
	RateBurst      int
}

// Server hosts the /v1 API.
type Server struct {
	cfg    Config
	logger *slog.Logger

	agentAuth *middleware.AgentAuth
	adminAuth *middleware.AdminAuth
	limiter   *middleware.RateLimiter
	obs       *middleware.Observability
}

// New builds the server and its middleware stack.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = time.Hour
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		agentAuth: middleware.NewAgentAuth(cfg.Authenticator, logger),
		adminAuth: middleware.NewAdminAuth(cfg.AdminSecretEnv, logger),
		limiter:   middleware.NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		obs:       middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "satgate"}, logger),
	}
}

// Close releases background resources owned by the server's middleware.
func (s *Server) Close() {
	s.limiter.Close()
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{}))
	r.Use(s.obs.Middleware("root"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(v chi.Router) {
		v.Post("/signup", s.handleSignup)
		if s.cfg.CheckoutWebhook != nil {
			v.Method(http.MethodPost, "/webhooks/checkout", s.cfg.CheckoutWebhook)
		}

		// Agent-key routes.
		v.Group(func(pr chi.Router) {
			pr.Use(s.agentAuth.Middleware)
			pr.Use(s.limiter.Middleware)

			pr.Post("/capabilities/{verb}", s.handleInvoke)
			pr.Post("/proxy/{serviceSlug}", s.handleProxy)

			pr.Get("/wallet", s.handleWallet)
			pr.Post("/wallet/fund", s.handleFund)
			pr.Post("/wallet/fund-card", s.handleFundCard)

			pr.Get("/agents", s.handleListAgents)
			pr.Post("/agents", s.handleCreateAgent)
			pr.Get("/agents/{id}", s.handleGetAgent)
			pr.Patch("/agents/{id}", s.handlePatchAgent)
			pr.Delete("/agents/{id}", s.handleDeleteAgent)

			pr.Get("/agents/{id}/policy", s.handleGetPolicy)
			pr.Put("/agents/{id}/policy", s.handlePutPolicy)
			pr.Patch("/agents/{id}/policy", s.handlePatchPolicy)
			pr.Post("/agents/{id}/policy/kill", s.handleKill)
			pr.Post("/agents/{id}/policy/unkill", s.handleUnkill)

			pr.Get("/services", s.handleListServices)
			pr.Get("/services/{slug}", s.handleGetService)
			pr.Get("/services/{slug}/pricing", s.handleServicePricing)
			pr.Get("/capabilities", s.handleListCapabilities)
			pr.Get("/capabilities/{name}", s.handleGetCapability)

			pr.Post("/registry/submit", s.handleSubmit)
		})

		// Admin JWT routes.
		v.Group(func(ar chi.Router) {
			ar.Use(s.adminAuth.Middleware)
			ar.Get("/registry/submissions", s.handleListSubmissions)
			ar.Post("/registry/submissions/{id}/approve", s.handleApprove)
			ar.Post("/registry/submissions/{id}/reject", s.handleReject)
		})
	})
	return r
}

// decode reads a bounded JSON body into dst. An empty body decodes to the
// zero value.
func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// writeFault maps pipeline faults onto the error envelope; anything else is
// an internal error.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	var fault *pipeline.Fault
	if errors.As(err, &fault) {
		respond.Error(w, fault.HTTPStatus(), fault.Code, fault.Message, fault.Details)
		return
	}
	s.logger.Error("request failed", "error", err)
	respond.Error(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func badRequest(w http.ResponseWriter, message string) {
	respond.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func notFound(w http.ResponseWriter, message string) {
	respond.Error(w, http.StatusNotFound, "NOT_FOUND", message, nil)
}
