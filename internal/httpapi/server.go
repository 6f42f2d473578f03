// Package httpapi assembles the chi router and its handlers, grounded on
// gateway/routes/router.go's middleware-composition shape: CORS, then
// observability, then per-route auth and idempotency, wrapping plain
// handlers instead of the teacher's reverse-proxy targets.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentgateway/internal/apierr"
	"agentgateway/internal/httpapi/middleware"
	"agentgateway/internal/idempotency"
	"agentgateway/internal/orchestrator"
	"agentgateway/internal/receipts"
	"agentgateway/internal/webhook"
)

// Config wires every dependency the HTTP layer needs.
type Config struct {
	DB                 *gorm.DB
	Orchestrator       *orchestrator.Orchestrator
	Chainer            *receipts.Chainer
	Idempotency        *idempotency.Store
	Webhooks           *webhook.Ingestor
	Auth               *middleware.Authenticator
	Observability      *middleware.ObservabilityConfig
	RateLimit          middleware.RateLimitConfig
	SignerPublicKeyHex string
	CORS               middleware.CORSConfig
}

type Server struct {
	db                 *gorm.DB
	orch               *orchestrator.Orchestrator
	chainer            *receipts.Chainer
	idem               *idempotency.Store
	webhooks           *webhook.Ingestor
	auth               *middleware.Authenticator
	obs                *middleware.Observability
	limiter            *middleware.RateLimiter
	signerPublicKeyHex string
	logger             *slog.Logger
}

// NewRouter builds the top-level http.Handler for the gateway.
func NewRouter(cfg Config, logger *slog.Logger) http.Handler {
	obsCfg := middleware.ObservabilityConfig{ServiceName: "agentgateway", LogRequests: true}
	if cfg.Observability != nil {
		obsCfg = *cfg.Observability
	}
	s := &Server{
		db:                 cfg.DB,
		orch:               cfg.Orchestrator,
		chainer:            cfg.Chainer,
		idem:               cfg.Idempotency,
		webhooks:           cfg.Webhooks,
		auth:               cfg.Auth,
		obs:                middleware.NewObservability(obsCfg, logger),
		limiter:            middleware.NewRateLimiter(cfg.RateLimit),
		signerPublicKeyHex: cfg.SignerPublicKeyHex,
		logger:             logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/purchase-intents", func(sr chi.Router) {
		sr.Use(s.obs.Middleware("purchase-intents"))
		sr.Use(s.auth.Middleware)
		sr.Use(s.limiter.Middleware)
		sr.Use(idempotency.Middleware(s.idem, "purchase-intents"))
		sr.Post("/", s.createIntent)
	})

	r.Route("/mandates", func(sr chi.Router) {
		sr.Group(func(gr chi.Router) {
			gr.Use(s.obs.Middleware("mandates"))
			gr.Use(s.auth.Middleware)
			gr.Use(s.limiter.Middleware)
			gr.With(idempotency.Middleware(s.idem, "mandates")).Post("/", s.issueMandate)
		})
		sr.Route("/{id}", func(ir chi.Router) {
			ir.Use(s.obs.Middleware("mandates.get"))
			ir.Use(s.auth.Middleware)
			ir.Get("/", s.getMandate)
		})
	})

	r.Route("/payments", func(sr chi.Router) {
		sr.Use(s.obs.Middleware("payments"))
		sr.Use(s.auth.Middleware)
		sr.Use(s.limiter.Middleware)
		sr.With(idempotency.Middleware(s.idem, "payments.execute")).Post("/execute", s.executePayment)
	})

	r.Route("/receipts", func(sr chi.Router) {
		sr.Use(s.obs.Middleware("receipts"))
		sr.Use(s.auth.Middleware)
		sr.Get("/", s.listReceipts)
		sr.Get("/verify", s.verifyReceiptChain)
		sr.Get("/{id}", s.getReceipt)
	})

	r.Route("/webhooks/{rail}", func(sr chi.Router) {
		sr.Use(s.obs.Middleware("webhooks"))
		sr.Post("/", s.handleWebhook)
	})

	return r
}

func parseAgentID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.AgentID(r.Context())
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apierr.New(apierr.KindUnauthorized, "caller token does not carry a valid agent id")
	}
	return id, nil
}

func mustParseUUID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
