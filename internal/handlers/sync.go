// Package handlers exposes the sync engine's HTTP surface: triggering a
// mailbox sync, reading a thread, applying actions to a thread, and
// sending a message, each behind the metrics, rate-limit and bearer-auth
// middleware. The handler's circuit breaker is constructed but no route
// runs through it.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin" // v1.9.1
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mailforge/syncengine/internal/actions"
	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/sendpipeline"
	"github.com/mailforge/syncengine/internal/store"
)

const (
	defaultTimeout = 30 * time.Second
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncengine_handler_request_duration_seconds",
		Help:    "Duration of sync engine handler requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncengine_handler_errors_total",
		Help: "Total number of sync engine handler errors",
	}, []string{"method", "error_type"})
)

// SyncFacade is the subset of services.Service the handlers call into.
type SyncFacade interface {
	TriggerMailboxSync(ctx context.Context, userID, connectorID, mailbox string) error
	GetThreadMessages(ctx context.Context, connectorID, threadTag string) ([]store.MessageRow, error)
	ApplyThreadAction(ctx context.Context, userID, connectorID, threadTag string, reqs []actions.Request) error
	SendMessage(ctx context.Context, userID string, identity models.Identity, outgoing models.OutgoingConnector, req sendpipeline.ComposeRequest) (*models.SendResult, error)
}

// SyncHandler registers the sync engine's HTTP endpoints.
type SyncHandler struct {
	facade      SyncFacade
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
	validate    *validator.Validate
	jwtSecret   []byte
}

// NewSyncHandler constructs a SyncHandler. jwtSecret verifies the HMAC
// signature of the bearer tokens every route under RegisterHTTPRoutes
// requires.
func NewSyncHandler(facade SyncFacade, jwtSecret []byte) *SyncHandler {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync_handler",
		MaxRequests: 100,
		Timeout:     defaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})

	return &SyncHandler{
		facade:      facade,
		breaker:     cb,
		rateLimiter: rate.NewLimiter(rate.Limit(100), 100),
		validate:    validator.New(),
		jwtSecret:   jwtSecret,
	}
}

// RegisterHTTPRoutes wires every endpoint under router.
func (h *SyncHandler) RegisterHTTPRoutes(router *gin.RouterGroup) {
	if router == nil {
		return
	}

	router.Use(h.metricsMiddleware())
	router.Use(h.rateLimitMiddleware())
	router.Use(h.authMiddleware())

	router.POST("/connectors/:connectorId/sync", h.handleTriggerSync)
	router.GET("/connectors/:connectorId/threads/:threadTag", h.handleGetThread)
	router.POST("/connectors/:connectorId/threads/:threadTag/actions", h.handleApplyThreadActions)
	router.POST("/send", h.handleSend)
}

type triggerSyncRequest struct {
	Mailbox string `json:"mailbox" validate:"required"`
}

func (h *SyncHandler) handleTriggerSync(c *gin.Context) {
	userID := c.GetString("userID")
	connectorID := c.Param("connectorId")
	if userID == "" || connectorID == "" {
		requestErrors.WithLabelValues("trigger_sync", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user or connector id"})
		return
	}

	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil || h.validate.Struct(req) != nil {
		requestErrors.WithLabelValues("trigger_sync", "invalid_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "mailbox is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	if err := h.facade.TriggerMailboxSync(ctx, userID, connectorID, req.Mailbox); err != nil {
		requestErrors.WithLabelValues("trigger_sync", "execution").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger sync"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "sync triggered"})
}

func (h *SyncHandler) handleGetThread(c *gin.Context) {
	connectorID := c.Param("connectorId")
	threadTag := c.Param("threadTag")
	if connectorID == "" || threadTag == "" {
		requestErrors.WithLabelValues("get_thread", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing connector or thread"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	messages, err := h.facade.GetThreadMessages(ctx, connectorID, threadTag)
	if err != nil {
		requestErrors.WithLabelValues("get_thread", "execution").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type threadActionRequest struct {
	Kind        string `json:"kind" validate:"required"`
	DestMailbox string `json:"destMailbox"`
	Label       string `json:"label"`
}

type applyThreadActionsRequest struct {
	Actions []threadActionRequest `json:"actions" validate:"required,min=1,dive"`
}

func (h *SyncHandler) handleApplyThreadActions(c *gin.Context) {
	userID := c.GetString("userID")
	connectorID := c.Param("connectorId")
	threadTag := c.Param("threadTag")
	if userID == "" || connectorID == "" || threadTag == "" {
		requestErrors.WithLabelValues("apply_thread_actions", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user, connector, or thread"})
		return
	}

	var body applyThreadActionsRequest
	if err := c.ShouldBindJSON(&body); err != nil || h.validate.Struct(body) != nil {
		requestErrors.WithLabelValues("apply_thread_actions", "invalid_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one action is required"})
		return
	}

	reqs := make([]actions.Request, 0, len(body.Actions))
	for _, a := range body.Actions {
		reqs = append(reqs, actions.Request{
			Kind:        actions.Kind(a.Kind),
			DestMailbox: a.DestMailbox,
			Label:       a.Label,
		})
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	if err := h.facade.ApplyThreadAction(ctx, userID, connectorID, threadTag, reqs); err != nil {
		requestErrors.WithLabelValues("apply_thread_actions", "execution").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply actions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

type sendRequest struct {
	Identity   models.Identity           `json:"identity" validate:"required"`
	Outgoing   models.OutgoingConnector  `json:"outgoing" validate:"required"`
	Compose    sendpipeline.ComposeRequest `json:"compose" validate:"required"`
}

func (h *SyncHandler) handleSend(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		requestErrors.WithLabelValues("send", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		requestErrors.WithLabelValues("send", "invalid_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid send request"})
		return
	}
	if req.Compose.IdempotencyKey == "" {
		requestErrors.WithLabelValues("send", "invalid_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotencyKey is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	result, err := h.facade.SendMessage(ctx, userID, req.Identity, req.Outgoing, req.Compose)
	if err != nil {
		requestErrors.WithLabelValues("send", "execution").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send failed"})
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (h *SyncHandler) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		requestDuration.WithLabelValues(c.Request.Method, http.StatusText(c.Writer.Status())).Observe(duration.Seconds())
	}
}

func (h *SyncHandler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.rateLimiter.Allow() {
			requestErrors.WithLabelValues(c.Request.Method, "rate_limit").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// authMiddleware verifies the request's bearer JWT and sets the verified
// subject as "userID" in the gin context, replacing a raw client-supplied
// header with a signed claim the handlers can trust.
func (h *SyncHandler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) {
			requestErrors.WithLabelValues(c.Request.Method, "unauthenticated").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, prefix), claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			requestErrors.WithLabelValues(c.Request.Method, "invalid_token").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			requestErrors.WithLabelValues(c.Request.Method, "invalid_token").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token missing subject"})
			c.Abort()
			return
		}

		c.Set("userID", sub)
		c.Next()
	}
}
