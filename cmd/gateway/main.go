package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	glebarezSqlite "github.com/glebarez/sqlite"

	"agentgateway/internal/config"
	"agentgateway/internal/httpapi"
	"agentgateway/internal/httpapi/middleware"
	"agentgateway/internal/idempotency"
	"agentgateway/internal/logging"
	"agentgateway/internal/models"
	"agentgateway/internal/orchestrator"
	"agentgateway/internal/policy"
	"agentgateway/internal/rails"
	"agentgateway/internal/receipts"
	"agentgateway/internal/signer"
	"agentgateway/internal/telemetry"
	"agentgateway/internal/webhook"
)

func main() {
	cfg := config.Load()
	slogger := logging.Setup("gateway", cfg.Env, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "agentgateway",
		Environment: cfg.Env,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		Headers:     cfg.OTELHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		return
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slogger.Error("open database", "error", err)
		return
	}
	if err := models.AutoMigrate(db); err != nil {
		slogger.Error("automigrate models", "error", err)
		return
	}
	if err := receipts.AutoMigrate(db); err != nil {
		slogger.Error("automigrate receipt chain locks", "error", err)
		return
	}

	sig, err := signer.NewFromHexSeed(cfg.SigningKey)
	if err != nil {
		slogger.Error("construct signer", "error", err)
		return
	}

	gate := policy.New(db)
	chainer := receipts.New(db)
	idem := idempotency.New(db)

	cardAdapter := rails.NewCardAdapter(rails.CardConfig{
		BaseURL: cfg.CardRailBaseURL,
		AppID:   cfg.CardRailAppID,
		Secret:  cfg.CardRailSecret,
		Timeout: cfg.CardRailTimeout,
	})
	directAdapter := rails.NewDirectAdapter(rails.DirectConfig{
		Signer:  sig,
		Timeout: cfg.DirectRailTimeout,
	})
	router := &rails.Router{Card: cardAdapter, Direct: directAdapter}

	orch := orchestrator.New(db, gate, sig, router, chainer, orchestrator.Config{
		DirectMaxAmount: cfg.DirectMaxAmount,
	})

	if cfg.PolicySeedFile != "" {
		if err := policy.LoadSeedFile(db, cfg.PolicySeedFile); err != nil {
			slogger.Error("load policy seed file", "error", err)
			return
		}
	}

	webhooks := webhook.New(db, orch, idem, cfg.WebhookSecrets, slogger)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Mode:       middleware.AuthMode(cfg.AuthMode),
		HMACSecret: cfg.JWTHMACSecret,
		Issuer:     cfg.JWTIssuer,
	}, slogger)

	httpHandler := httpapi.NewRouter(httpapi.Config{
		DB:                 db,
		Orchestrator:       orch,
		Chainer:            chainer,
		Idempotency:        idem,
		Webhooks:           webhooks,
		Auth:               auth,
		RateLimit: middleware.RateLimitConfig{
			RatePerSecond: cfg.RateLimitPerSecond,
			Burst:         cfg.RateLimitBurst,
		},
		SignerPublicKeyHex: sig.PublicKeyHex(),
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.AllowedOrigins,
		},
	}, slogger)

	handler := otelhttp.NewHandler(httpHandler, "gateway")

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		slogger.Error("listen", "error", err)
		return
	}
	go func() {
		slogger.Info("listening", "addr", listener.Addr().String())
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slogger.Error("listen and serve", "error", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Error("graceful shutdown failed", "error", err)
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.DatabaseDriver == "sqlite" {
		return gorm.Open(glebarezSqlite.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
}
