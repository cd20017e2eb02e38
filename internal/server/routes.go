package server

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with logging, recovery, CORS, and
// the payment routes mounted under /v1/payments.
func NewRouter(logger *zap.Logger, handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.Default())

	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	payments := router.Group("/v1/payments")
	{
		payments.POST("", handler.SubmitPayment)
		payments.GET("/:id", handler.GetTransaction)
		payments.POST("/:id/cancel", handler.CancelPayment)
		payments.POST("/refund", handler.RefundPayment)
		payments.POST("/dispute", handler.OpenDispute)
		payments.POST("/dispute/settle", handler.SettleDispute)
		payments.POST("/risk/assess", handler.AssessRisk)
		payments.POST("/route", handler.Route)
		payments.POST("/escrow/release", handler.ReleaseEscrow)
		payments.POST("/convert", handler.ConvertCurrency)
		payments.POST("/subscriptions", handler.CreateSubscription)
		payments.POST("/subscriptions/:id/cancel", handler.CancelSubscription)
	}

	return router
}
