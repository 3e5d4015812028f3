package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterline/internal/carrier"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/observability"
	obsmiddleware "github.com/smallbiznis/meterline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/meterline/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	ratingdomain "github.com/smallbiznis/meterline/internal/rating/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(func(svc *carrier.Service) CarrierCallbacks { return svc }),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

// CarrierCallbacks applies carrier status callbacks.
type CarrierCallbacks interface {
	HandleCallback(ctx context.Context, kind string, req webhookdomain.SignedRequest) (webhookdomain.Decision, error)
}

type EngineParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           p.ObsCfg.Debug(),
		OwnerHeader:     HeaderOwner,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	usageSvc   usagedomain.Service
	ratingSvc  ratingdomain.Service
	ledgerSvc  ledgerdomain.Service
	paymentSvc paymentdomain.Service
	carrierSvc CarrierCallbacks
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	UsageSvc   usagedomain.Service
	RatingSvc  ratingdomain.Service
	LedgerSvc  ledgerdomain.Service
	PaymentSvc paymentdomain.Service
	CarrierSvc CarrierCallbacks
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		usageSvc:   p.UsageSvc,
		ratingSvc:  p.RatingSvc,
		ledgerSvc:  p.LedgerSvc,
		paymentSvc: p.PaymentSvc,
		carrierSvc: p.CarrierSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks")

	hooks.POST("/carrier/:kind", s.HandleCarrierWebhook)
	hooks.POST("/payments/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", OwnerRequired())

	api.POST("/resource-uses", s.StartResourceUse)
	api.GET("/resource-uses/:id", s.GetResourceUse)
	api.DELETE("/resource-uses/:id", s.EndResourceUse)

	api.GET("/estimate", s.GetEstimate)
	api.GET("/balance", s.GetBalance)
	api.GET("/movements", s.ListMovements)

	api.POST("/recharges", s.CreateRecharge)
	api.POST("/recharges/:reference/confirm", s.ConfirmRecharge)
}
