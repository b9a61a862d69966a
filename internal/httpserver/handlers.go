package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quickbrushlabs/quickbrush/internal/apikey"
	"github.com/quickbrushlabs/quickbrush/internal/billing/stripeoracle"
	"github.com/quickbrushlabs/quickbrush/internal/generation"
	"github.com/quickbrushlabs/quickbrush/internal/ratelimit"
	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
	"go.uber.org/zap"
)

const maxWebhookPayloadBytes = 1 << 20

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

func (server *Server) handleBalance(ctx *gin.Context) {
	identity := getIdentity(ctx)
	userID, err := brushstroke.NewUserID(identity.UserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity"))
		return
	}
	balance, err := server.engine.GetTotalBalance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondEngineError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"monthly_allowance":   balance.MonthlyAllowance,
		"allowance_used":      balance.AllowanceUsed,
		"allowance_remaining": balance.AllowanceRemaining,
		"purchased":           balance.PurchasedBrushstrokes,
		"total":               balance.Total,
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	identity := getIdentity(ctx)
	userID, err := brushstroke.NewUserID(identity.UserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity"))
		return
	}
	limit := server.cfg.HistoryLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		if parsed, parseErr := strconv.Atoi(rawLimit); parseErr == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if rawBefore := ctx.Query("before"); rawBefore != "" {
		if parsed, parseErr := strconv.ParseInt(rawBefore, 10, 64); parseErr == nil && parsed > 0 {
			before = parsed
		}
	}
	transactions, err := server.engine.ListTransactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		server.respondEngineError(ctx, "transaction list failed", err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, gin.H{
			"transaction_id": transaction.TransactionID,
			"type":           transaction.Type.String(),
			"amount":         transaction.Amount,
			"balance_after":  transaction.BalanceAfter,
			"generation_id":  transaction.GenerationRef,
			"payment_ref":    transaction.PaymentRef,
			"description":    transaction.Description,
			"created":        transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

type generateRequest struct {
	Type        string `json:"type"`
	Quality     string `json:"quality"`
	AspectRatio string `json:"aspect_ratio"`
	Description string `json:"description"`
}

func (server *Server) handleGenerate(ctx *gin.Context) {
	identity := getIdentity(ctx)
	var request generateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	record, err := server.images.Generate(ctx.Request.Context(), generation.Request{
		UserID:      identity.UserID,
		Type:        generation.Type(request.Type),
		Quality:     generation.Quality(request.Quality),
		AspectRatio: generation.AspectRatio(request.AspectRatio),
		Description: request.Description,
	})
	if err != nil {
		server.respondGenerationError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, generationPayload(record))
}

func (server *Server) handleListGenerations(ctx *gin.Context) {
	identity := getIdentity(ctx)
	records, err := server.images.List(ctx.Request.Context(), identity.UserID, server.cfg.HistoryLimit)
	if err != nil {
		server.logger.Error("generation list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "generation list failed"))
		return
	}
	payload := make([]gin.H, 0, len(records))
	for _, record := range records {
		payload = append(payload, generationPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"generations": payload})
}

func (server *Server) handleGenerationImage(ctx *gin.Context) {
	identity := getIdentity(ctx)
	imageData, err := server.images.Image(ctx.Request.Context(), identity.UserID, ctx.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrUnknownGeneration):
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown generation"))
		case errors.Is(err, generation.ErrImageNotReady):
			ctx.JSON(http.StatusConflict, errorResponse("not_ready", "image not ready"))
		default:
			server.logger.Error("image fetch failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "image fetch failed"))
		}
		return
	}
	ctx.Data(http.StatusOK, "image/png", imageData)
}

func (server *Server) handleListKeys(ctx *gin.Context) {
	identity := getIdentity(ctx)
	keys, err := server.keys.List(ctx.Request.Context(), identity.UserID)
	if err != nil {
		server.logger.Error("key list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "key list failed"))
		return
	}
	payload := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		payload = append(payload, gin.H{
			"key_id":    key.KeyID,
			"name":      key.Name,
			"revoked":   key.Revoked(),
			"last_used": key.LastUsedUnix,
			"created":   key.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"keys": payload})
}

type issueKeyRequest struct {
	Name string `json:"name"`
}

func (server *Server) handleIssueKey(ctx *gin.Context) {
	identity := getIdentity(ctx)
	if identity.APIKey {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "keys cannot mint keys"))
		return
	}
	var request issueKeyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	key, token, err := server.keys.Issue(ctx.Request.Context(), identity.UserID, request.Name)
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidKeyName) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_name", "key name is required"))
			return
		}
		server.logger.Error("key issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "key issue failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"key_id":  key.KeyID,
		"name":    key.Name,
		"token":   token,
		"created": key.CreatedUnixUTC,
	})
}

func (server *Server) handleRevokeKey(ctx *gin.Context) {
	identity := getIdentity(ctx)
	if err := server.keys.Revoke(ctx.Request.Context(), identity.UserID, ctx.Param("id")); err != nil {
		if errors.Is(err, apikey.ErrUnknownKey) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown key"))
			return
		}
		server.logger.Error("key revoke failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "key revoke failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

type subscriptionCheckoutRequest struct {
	PriceID string `json:"price_id"`
}

func (server *Server) handleSubscriptionCheckout(ctx *gin.Context) {
	identity := getIdentity(ctx)
	var request subscriptionCheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	url, err := server.checkout.CreateSubscriptionCheckout(ctx.Request.Context(), identity.UserID, identity.Email, request.PriceID, server.checkoutURLs())
	if err != nil {
		server.respondCheckoutError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"checkout_url": url})
}

type packCheckoutRequest struct {
	Brushstrokes int64 `json:"brushstrokes"`
}

func (server *Server) handlePackCheckout(ctx *gin.Context) {
	identity := getIdentity(ctx)
	var request packCheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	url, err := server.checkout.CreatePackCheckout(ctx.Request.Context(), identity.UserID, identity.Email, request.Brushstrokes, server.checkoutURLs())
	if err != nil {
		server.respondCheckoutError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"checkout_url": url})
}

type adminGrantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (server *Server) handleAdminGrant(ctx *gin.Context) {
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := brushstroke.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user_id is required"))
		return
	}
	amount, err := brushstroke.NewBrushstrokes(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	description := request.Description
	if description == "" {
		description = "Admin grant"
	}
	transaction, err := server.engine.AdminGrant(ctx.Request.Context(), userID, amount, description, brushstroke.EmptyMetadata())
	if err != nil {
		server.respondEngineError(ctx, "admin grant failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": transaction.TransactionID,
		"amount":         transaction.Amount,
		"balance_after":  transaction.BalanceAfter,
	})
}

type adminRefundRequest struct {
	UserID       string `json:"user_id"`
	Amount       int64  `json:"amount"`
	GenerationID string `json:"generation_id"`
	Description  string `json:"description"`
}

func (server *Server) handleAdminRefund(ctx *gin.Context) {
	var request adminRefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := brushstroke.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user_id is required"))
		return
	}
	amount, err := brushstroke.NewBrushstrokes(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	var generationRef *brushstroke.GenerationRef
	if request.GenerationID != "" {
		ref, refErr := brushstroke.NewGenerationRef(request.GenerationID)
		if refErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_generation", "generation_id is malformed"))
			return
		}
		generationRef = &ref
	}
	description := request.Description
	if description == "" {
		description = "Refund"
	}
	transaction, err := server.engine.RecordRefund(ctx.Request.Context(), userID, amount, generationRef, description, brushstroke.EmptyMetadata())
	if err != nil {
		server.respondEngineError(ctx, "refund failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": transaction.TransactionID,
		"amount":         transaction.Amount,
		"balance_after":  transaction.BalanceAfter,
	})
}

func (server *Server) handleDeleteAccount(ctx *gin.Context) {
	identity := getIdentity(ctx)
	if identity.APIKey {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "keys cannot delete accounts"))
		return
	}
	// Stop billing before the customer link is purged; if cancellation
	// fails the account stays intact so the user can retry.
	if err := server.checkout.CancelSubscriptionsForUser(ctx.Request.Context(), identity.UserID); err != nil {
		server.logger.Error("subscription cancellation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("billing_unavailable", "subscription cancellation failed"))
		return
	}
	if err := server.accounts.DeleteUserData(ctx.Request.Context(), identity.UserID); err != nil {
		server.logger.Error("account deletion failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "account deletion failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := server.webhooks.VerifyEvent(payload, ctx.GetHeader("Stripe-Signature"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "webhook verification failed"))
		return
	}
	if err := server.webhooks.HandleEvent(ctx.Request.Context(), event); err != nil {
		server.logger.Error("webhook handling failed", zap.String("event", string(event.Type)), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "webhook handling failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (server *Server) checkoutURLs() stripeoracle.CheckoutURLs {
	return stripeoracle.CheckoutURLs{
		SuccessURL: server.cfg.CheckoutSuccessURL,
		CancelURL:  server.cfg.CheckoutCancelURL,
	}
}

func (server *Server) respondEngineError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, brushstroke.ErrUpstreamUnavailable):
		ctx.JSON(http.StatusBadGateway, errorResponse("billing_unavailable", "subscription state unavailable"))
	case errors.Is(err, brushstroke.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "not enough brushstrokes"))
	case errors.Is(err, brushstroke.ErrConcurrentModification):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "please retry"))
	default:
		server.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", message))
	}
}

func (server *Server) respondGenerationError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, brushstroke.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "not enough brushstrokes"))
	case errors.Is(err, brushstroke.ErrUpstreamUnavailable):
		ctx.JSON(http.StatusBadGateway, errorResponse("billing_unavailable", "subscription state unavailable"))
	case errors.Is(err, ratelimit.ErrRateLimited):
		ctx.JSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many generation requests"))
	case errors.Is(err, generation.ErrInvalidGenerationType),
		errors.Is(err, generation.ErrInvalidQuality),
		errors.Is(err, generation.ErrInvalidAspectRatio),
		errors.Is(err, generation.ErrInvalidDescription):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("generation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "generation failed"))
	}
}

func (server *Server) respondCheckoutError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, stripeoracle.ErrUnknownPrice), errors.Is(err, stripeoracle.ErrUnknownPack):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product", err.Error()))
	default:
		server.logger.Error("checkout failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("billing_unavailable", "checkout failed"))
	}
}

func generationPayload(record generation.Record) gin.H {
	return gin.H{
		"generation_id":      record.GenerationID,
		"type":               string(record.Type),
		"quality":            string(record.Quality),
		"aspect_ratio":       string(record.AspectRatio),
		"status":             string(record.Status),
		"refined_prompt":     record.RefinedPrompt,
		"brushstrokes_spent": record.BrushstrokesSpent,
		"created":            record.CreatedUnixUTC,
	}
}
