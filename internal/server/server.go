package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
	obsmiddleware "github.com/smallbiznis/hungerpay/internal/observability/logger"
	obstracing "github.com/smallbiznis/hungerpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	"github.com/smallbiznis/hungerpay/internal/payment/webhook"
	"github.com/smallbiznis/hungerpay/internal/providers/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the donation API. Domain modules are composed by the caller.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

func NewEngine(logCfg obsmiddleware.MiddlewareConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           logCfg.Debug,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, logCfg obsmiddleware.MiddlewareConfig) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(logCfg)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type callbackIngester interface {
	IngestCallback(ctx context.Context, payload []byte) webhook.Result
	IngestTimeout(ctx context.Context, payload []byte) webhook.Result
}

type providerPinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	donationCfg *config.DonationConfigHolder
	log         *zap.Logger
	clock       clock.Clock
	paymentSvc  paymentdomain.Service
	webhooks    callbackIngester
	pinger      providerPinger
	receipts    pdf.Provider
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DonationCfg *config.DonationConfigHolder
	Log         *zap.Logger
	Clock       clock.Clock
	PaymentSvc  paymentdomain.Service
	Webhooks    *webhook.Service
	MPesa       *mpesa.Client
	Receipts    pdf.Provider
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		donationCfg: p.DonationCfg,
		log:         p.Log.Named("http"),
		clock:       p.Clock,
		paymentSvc:  p.PaymentSvc,
		webhooks:    p.Webhooks,
		pinger:      p.MPesa,
		receipts:    p.Receipts,
	}

	svc.registerMPesaRoutes()
	svc.registerDonationRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerMPesaRoutes() {
	mp := s.engine.Group("/api/mpesa")

	mp.POST("/stk-push", s.InitiateSTKPush)
	mp.GET("/status/:checkoutRequestID", s.GetPaymentStatus)

	// Provider-facing; always acknowledged.
	mp.POST("/callback", s.HandleCallback)
	mp.POST("/timeout", s.HandleTimeout)

	mp.GET("/test", s.TestConnection)
}

func (s *Server) registerDonationRoutes() {
	donations := s.engine.Group("/api/donations")

	donations.GET("/current", s.GetCurrentTotals)
	donations.GET("/:id/receipt", s.DownloadReceipt)
}
