package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditmeter/internal/authorization"
	"github.com/smallbiznis/creditmeter/internal/chat"
	chatdomain "github.com/smallbiznis/creditmeter/internal/chat/domain"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/credit"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	"github.com/smallbiznis/creditmeter/internal/ledger"
	"github.com/smallbiznis/creditmeter/internal/llm"
	"github.com/smallbiznis/creditmeter/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/payment"
	paymentdomain "github.com/smallbiznis/creditmeter/internal/payment/domain"
	"github.com/smallbiznis/creditmeter/internal/pricing"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/statement"
	"github.com/smallbiznis/creditmeter/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ledger.Module,
	credit.Module,
	subscription.Module,
	pricing.Module,
	payment.Module,
	llm.Module,
	chat.Module,
	authorization.Module,
	statement.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine          *gin.Engine
	log             *zap.Logger
	clock           clock.Clock
	creditSvc       creditdomain.Service
	subscriptionSvc subscriptiondomain.Service
	pricingSvc      pricingdomain.Service
	paymentSvc      paymentdomain.Service
	chatSvc         chatdomain.Service
	statementSvc    statement.Service
	authzSvc        authorization.Service
	guard           *ratelimit.BillingGuard
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Log             *zap.Logger
	Clock           clock.Clock
	CreditSvc       creditdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PricingSvc      pricingdomain.Service
	PaymentSvc      paymentdomain.Service
	ChatSvc         chatdomain.Service
	StatementSvc    statement.Service
	AuthzSvc        authorization.Service
	Guard           *ratelimit.BillingGuard `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		log:             p.Log.Named("http"),
		clock:           p.Clock,
		creditSvc:       p.CreditSvc,
		subscriptionSvc: p.SubscriptionSvc,
		pricingSvc:      p.PricingSvc,
		paymentSvc:      p.PaymentSvc,
		chatSvc:         p.ChatSvc,
		statementSvc:    p.StatementSvc,
		authzSvc:        p.AuthzSvc,
		guard:           p.Guard,
	}

	s.RegisterAPIRoutes()
	s.RegisterWebhookRoutes()
	s.RegisterInternalRoutes()
	s.RegisterAdminRoutes()

	return s
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(UserRequired())

	credits := api.Group("/credits")
	credits.GET("", s.GetCredits)
	credits.GET("/transactions", s.ListTransactions)
	credits.GET("/transactions/export", s.ExportTransactions)
	credits.GET("/statement", s.DownloadStatement)
	credits.POST("/estimate", s.EstimateCost)

	api.GET("/subscription", s.GetSubscription)
	api.POST("/subscription/cancel", s.CancelSubscription)

	api.POST("/orders", s.CreateOrder)
	api.GET("/orders/:order_no", s.GetOrder)

	chatGroup := api.Group("/chat")
	chatGroup.POST("/sessions", s.CreateChatSession)
	chatGroup.GET("/sessions/:id/messages", s.ListChatMessages)
	chatGroup.POST("/sessions/:id/stream", s.ChatRateLimit(), s.StreamChat)
}

func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/webhooks/payments/session-paid", s.HandleSessionPaid)
}

func (s *Server) RegisterInternalRoutes() {
	s.engine.POST("/internal/users/:id/signup", s.GrantSignupBonus)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(UserRequired())

	admin.POST("/credits/grant",
		s.RequireAuthorization(authorization.ObjectCredits, authorization.ActionGrant),
		s.AdminGrantCredits,
	)
	admin.GET("/users/:user_id/statement",
		s.RequireAuthorization(authorization.ObjectStatement, authorization.ActionExport),
		s.AdminDownloadStatement,
	)
	admin.POST("/subscriptions/:user_id/expire",
		s.RequireAuthorization(authorization.ObjectSubscription, authorization.ActionExpire),
		s.AdminExpireSubscription,
	)
}
