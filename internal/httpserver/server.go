package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quickbrushlabs/quickbrush/internal/apikey"
	"github.com/quickbrushlabs/quickbrush/internal/billing/stripeoracle"
	"github.com/quickbrushlabs/quickbrush/internal/generation"
	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
	stripe "github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// BalanceEngine is the slice of the balance engine the API serves.
type BalanceEngine interface {
	GetTotalBalance(ctx context.Context, userID brushstroke.UserID) (brushstroke.Balance, error)
	ListTransactions(ctx context.Context, userID brushstroke.UserID, beforeUnixUTC int64, limit int) ([]brushstroke.Transaction, error)
	AdminGrant(ctx context.Context, userID brushstroke.UserID, amount brushstroke.Brushstrokes, description string, metadata brushstroke.MetadataJSON) (brushstroke.Transaction, error)
	RecordRefund(ctx context.Context, userID brushstroke.UserID, amount brushstroke.Brushstrokes, generationRef *brushstroke.GenerationRef, description string, metadata brushstroke.MetadataJSON) (brushstroke.Transaction, error)
}

// Generator is the generation service surface.
type Generator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Record, error)
	Image(ctx context.Context, userID string, generationID string) ([]byte, error)
	List(ctx context.Context, userID string, limit int) ([]generation.Record, error)
}

// KeyManager issues and verifies API keys.
type KeyManager interface {
	Issue(ctx context.Context, userID string, name string) (apikey.Key, string, error)
	Verify(ctx context.Context, token string) (apikey.Key, error)
	List(ctx context.Context, userID string) ([]apikey.Key, error)
	Revoke(ctx context.Context, userID string, keyID string) error
}

// CheckoutService opens hosted billing sessions.
type CheckoutService interface {
	CreateSubscriptionCheckout(ctx context.Context, userID string, email string, priceID string, urls stripeoracle.CheckoutURLs) (string, error)
	CreatePackCheckout(ctx context.Context, userID string, email string, brushstrokes int64, urls stripeoracle.CheckoutURLs) (string, error)
	CancelSubscriptionsForUser(ctx context.Context, userID string) error
}

// WebhookProcessor verifies and applies billing webhook events.
type WebhookProcessor interface {
	VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error)
	HandleEvent(ctx context.Context, event stripe.Event) error
}

// AccountAdmin covers account lifecycle operations outside the engine.
type AccountAdmin interface {
	DeleteUserData(ctx context.Context, userID string) error
}

// Server serves the REST API.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	engine   BalanceEngine
	images   Generator
	keys     KeyManager
	checkout CheckoutService
	webhooks WebhookProcessor
	accounts AccountAdmin
}

// NewServer wires the API server.
func NewServer(cfg Config, logger *zap.Logger, engine BalanceEngine, images Generator, keys KeyManager, checkout CheckoutService, webhooks WebhookProcessor, accounts AccountAdmin) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || engine == nil || images == nil || keys == nil || checkout == nil || webhooks == nil || accounts == nil {
		return nil, fmt.Errorf("httpserver: nil dependency")
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		images:   images,
		keys:     keys,
		checkout: checkout,
		webhooks: webhooks,
		accounts: accounts,
	}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/stripe", server.handleStripeWebhook)

	api := router.Group("/api/v1")
	api.Use(server.authMiddleware())

	api.GET("/balance", server.handleBalance)
	api.GET("/transactions", server.handleTransactions)
	api.POST("/generate", server.handleGenerate)
	api.GET("/generations", server.handleListGenerations)
	api.GET("/generations/:id/image", server.handleGenerationImage)
	api.GET("/keys", server.handleListKeys)
	api.POST("/keys", server.handleIssueKey)
	api.DELETE("/keys/:id", server.handleRevokeKey)
	api.POST("/billing/checkout/subscription", server.handleSubscriptionCheckout)
	api.POST("/billing/checkout/pack", server.handlePackCheckout)
	api.DELETE("/account", server.handleDeleteAccount)

	admin := api.Group("/admin")
	admin.Use(adminOnly())
	admin.POST("/grants", server.handleAdminGrant)
	admin.POST("/refunds", server.handleAdminRefund)

	return router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
