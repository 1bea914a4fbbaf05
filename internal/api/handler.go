package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gallery-checkout/internal/payment"
	"gallery-checkout/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP-facing settings
type Config struct {
	StaffToken     string
	AllowedOrigins []string
}

// Handler contains HTTP handlers
type Handler struct {
	orders     *service.OrderService
	payments   *service.PaymentService
	reconciler *service.Reconciler
	inventory  *service.InventoryService
	provider   payment.Provider
	cfg        Config
	checks     map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	payments *service.PaymentService,
	reconciler *service.Reconciler,
	inventory *service.InventoryService,
	provider payment.Provider,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orders:     orders,
		payments:   payments,
		reconciler: reconciler,
		inventory:  inventory,
		provider:   provider,
		cfg:        cfg,
		checks:     make(map[string]Pinger),
		logger:     logger,
	}
}

// AddReadinessCheck registers a dependency pinged by /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	if len(h.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     h.cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Idempotency-Key", "X-User-ID", "X-User-Email"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(identityMiddleware())
	{
		v1.POST("/orders", requireJSON(), h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/start-payment", h.startPayment)
		v1.POST("/webhooks/stripe", h.stripeWebhook)
		v1.GET("/reservations", h.listReservations)
		v1.GET("/inventory/:sku", h.getInventory)
	}

	admin := v1.Group("/admin")
	admin.Use(staffOnly(h.cfg.StaffToken))
	{
		admin.POST("/payments/:id/refund", h.refundPayment)
		admin.POST("/orders/:id/refund", h.refundOrder)
		admin.POST("/orders/ship", h.shipOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), &req, identityFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) startPayment(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	res, err := h.payments.StartPayment(c.Request.Context(), orderID, c.GetHeader("Idempotency-Key"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// stripeWebhook verifies and reconciles one provider event.
// Anything but a bad signature or a failed core write answers 200.
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	evt, err := h.provider.VerifyWebhookEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("Rejected webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	out, err := h.reconciler.HandleEvent(c.Request.Context(), evt)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{"received": true}
	if out.Skipped {
		resp["skipped"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listReservations(c *gin.Context) {
	identity := identityFrom(c)
	if !identity.Authenticated() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	reservations, err := h.orders.ActiveReservations(c.Request.Context(), identity.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reservations": reservations})
}

func (h *Handler) getInventory(c *gin.Context) {
	item, err := h.inventory.LookupBySKU(c.Request.Context(), c.Param("sku"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// refundPayment is the staff refund action; the body is optional
func (h *Handler) refundPayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	res, err := h.payments.IssueRefund(c.Request.Context(), paymentID, req.Amount, c.GetHeader("Idempotency-Key"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refunded":   true,
		"payment_id": res.PaymentID,
		"refund_id":  res.RefundID,
		"replayed":   res.Replayed,
		"response":   res.Response,
	})
}

func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	res, err := h.payments.RefundOrder(c.Request.Context(), orderID)
	if err != nil {
		if res != nil {
			h.logger.Error("Order refund incomplete", zap.Int64("order_id", orderID), zap.Error(err))
			c.JSON(statusFor(err), gin.H{
				"error":   "Refund incomplete",
				"details": err.Error(),
				"result":  res,
			})
			return
		}
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

type shipRequest struct {
	OrderIDs []int64 `json:"order_ids" binding:"required,min=1"`
}

func (h *Handler) shipOrders(c *gin.Context) {
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	updated, err := h.orders.MarkShipped(c.Request.Context(), req.OrderIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// pathID parses :id, answering 400 itself when it is malformed
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}
