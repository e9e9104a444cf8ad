package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/auth"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/engine"
	"github.com/smallbiznis/entitlements/internal/observability"
	obsmiddleware "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	obstracing "github.com/smallbiznis/entitlements/internal/observability/tracing"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(httpMetrics.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	ent           *engine.Engine
	catalog       plandomain.Catalog
	subscriptions subscriptiondomain.Service
	verifier      *auth.TokenVerifier
	limiter       *ratelimit.UserLimiter
	metrics       *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Engine        *engine.Engine
	Catalog       plandomain.Catalog
	Subscriptions subscriptiondomain.Service
	Verifier      *auth.TokenVerifier
	Limiter       *ratelimit.UserLimiter `optional:"true"`
	Metrics       *obsmetrics.Metrics    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		ent:           p.Engine,
		catalog:       p.Catalog,
		subscriptions: p.Subscriptions,
		verifier:      p.Verifier,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
	}

	s.registerAPIRoutes()
	s.registerAdminRoutes()
	s.registerFallback()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(auth.GinMiddleware(s.verifier))

	api.GET("/plans", s.ListPlans)

	api.GET("/entitlements/:action", s.CanPerform)
	api.POST("/entitlements/:action/consume", s.ConsumeRateLimit(), s.PerformAndConsume)

	api.GET("/usage", s.GetUsageSnapshot)
	api.GET("/usage/stream", s.StreamUsage)

	api.GET("/subscription", s.GetSubscription)
	api.GET("/subscription/history", s.ListPlanHistory)
	api.POST("/subscription/plan", s.ChangePlan)
	api.POST("/subscription/cancel", s.CancelPlan)
	api.POST("/subscription/purchase", s.ApplyPurchase)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminKeyRequired())

	admin.PUT("/plans/:id", s.UpsertPlan)
	admin.DELETE("/plans/:id", s.RemovePlan)

	admin.POST("/subscriptions/:user_id/expire", s.ExpireSubscription)
	admin.DELETE("/subscriptions/:user_id", s.DeleteSubscription)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
