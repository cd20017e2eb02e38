package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velopay/orchestrator/internal/escrow"
	"github.com/velopay/orchestrator/internal/fees"
	"github.com/velopay/orchestrator/internal/lifecycle"
	"github.com/velopay/orchestrator/internal/risk"
	"github.com/velopay/orchestrator/internal/routing"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/internal/subscription"
	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// Handler provides HTTP handlers for the engine's public operations
type Handler struct {
	logger        *zap.Logger
	lifecycle     *lifecycle.Manager
	escrow        *escrow.Manager
	riskEngine    *risk.Engine
	router        *routing.Engine
	conversions   *fees.Service
	subscriptions *subscription.Service
	store         store.Store
}

// NewHandler creates the handler set.
func NewHandler(
	logger *zap.Logger,
	lc *lifecycle.Manager,
	es *escrow.Manager,
	re *risk.Engine,
	ro *routing.Engine,
	conv *fees.Service,
	subs *subscription.Service,
	st store.Store,
) *Handler {
	return &Handler{
		logger:        logger,
		lifecycle:     lc,
		escrow:        es,
		riskEngine:    re,
		router:        ro,
		conversions:   conv,
		subscriptions: subs,
		store:         st,
	}
}

func (h *Handler) abort(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	status := errors.HTTPStatus(err)
	if kind == "" {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	var e *errors.Error
	errors.As(err, &e)
	c.JSON(status, gin.H{
		"error":   string(kind),
		"message": e.Message,
		"fields":  e.Fields,
	})
}

// SubmitPayment handles POST /v1/payments
func (h *Handler) SubmitPayment(c *gin.Context) {
	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	tx, err := h.lifecycle.Submit(c.Request.Context(), &req)
	if err != nil {
		// A failed payment still yields an auditable record; surface
		// it alongside the error classification.
		if tx != nil {
			c.JSON(errors.HTTPStatus(err), gin.H{
				"error":       string(errors.KindOf(err)),
				"transaction": tx,
			})
			return
		}
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// GetTransaction handles GET /v1/payments/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.abort(c, errors.Validation("invalid transaction id"))
		return
	}
	tx, err := h.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// CancelPayment handles POST /v1/payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.abort(c, errors.Validation("invalid transaction id"))
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	tx, err := h.lifecycle.Cancel(c.Request.Context(), id, body.Reason)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// RefundPayment handles POST /v1/payments/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	tx, err := h.lifecycle.Refund(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// OpenDispute handles POST /v1/payments/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req models.DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	tx, err := h.lifecycle.OpenDispute(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// SettleDispute handles POST /v1/payments/dispute/settle
func (h *Handler) SettleDispute(c *gin.Context) {
	var req struct {
		TransactionID uuid.UUID `json:"transaction_id" binding:"required"`
		Amount        string    `json:"amount"`
		Reason        string    `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	tx, err := h.lifecycle.SettleDispute(c.Request.Context(), req.TransactionID, req.Amount, req.Reason)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// AssessRisk handles POST /v1/payments/risk/assess
func (h *Handler) AssessRisk(c *gin.Context) {
	var req models.RiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	instrument, err := h.store.GetInstrument(c.Request.Context(), req.InstrumentID)
	if err != nil {
		h.abort(c, err)
		return
	}
	assessment, err := h.riskEngine.Assess(c.Request.Context(), risk.Input{
		CustomerID:        req.CustomerID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Instrument:        instrument,
		DeviceFingerprint: req.DeviceFingerprint,
		Geolocation:       req.Geolocation,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"score":               assessment.Score,
		"tier":                assessment.Tier.String(),
		"factors":             assessment.Factors,
		"recommended_actions": assessment.Actions,
		"auto_approved":       assessment.AutoApproved,
	})
}

// Route handles POST /v1/payments/route
func (h *Handler) Route(c *gin.Context) {
	var req models.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	instrument, err := h.store.GetInstrument(c.Request.Context(), req.InstrumentID)
	if err != nil {
		h.abort(c, err)
		return
	}
	candidates, err := h.router.Route(c.Request.Context(), routing.Input{
		Amount:     req.Amount,
		Currency:   req.Currency,
		Instrument: instrument,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

// ReleaseEscrow handles POST /v1/payments/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req models.ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	result, err := h.escrow.Release(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ConvertCurrency handles POST /v1/payments/convert
func (h *Handler) ConvertCurrency(c *gin.Context) {
	var req models.ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	result, err := h.conversions.ConvertCurrency(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateSubscription handles POST /v1/payments/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req models.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, errors.Validation(err.Error()))
		return
	}
	sub, err := h.subscriptions.Create(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// CancelSubscription handles POST /v1/payments/subscriptions/:id/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.abort(c, errors.Validation("invalid subscription id"))
		return
	}
	sub, err := h.subscriptions.Cancel(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
