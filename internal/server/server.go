package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clubpass-bot/internal/metrics"
	"clubpass-bot/internal/payment"
	"clubpass-bot/internal/reconcile"
	"clubpass-bot/internal/utils"
)

type Reconciler interface {
	Reconcile(ctx context.Context, ref reconcile.Reference) (reconcile.Outcome, error)
}

// Server exposes the push and redirect triggers plus service endpoints.
type Server struct {
	engine     Reconciler
	allow      *utils.AllowList
	trustProxy bool
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func New(engine Reconciler, allow *utils.AllowList, trustProxy bool, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:     engine,
		allow:      allow,
		trustProxy: trustProxy,
		metrics:    m,
		log:        log.Named("http"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	if !s.trustProxy {
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery(), s.accessLog(), s.metrics.GinMiddleware())

	r.POST("/webhook/yookassa", s.requireGateway(), s.HandleWebhook)
	r.GET("/return", s.HandleReturn)
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.Any("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	return r
}

func (s *Server) clientIP(c *gin.Context) string {
	if s.trustProxy {
		return c.ClientIP()
	}
	return c.RemoteIP()
}

// requireGateway rejects callers outside the YooKassa networks before the
// body is read.
func (s *Server) requireGateway() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := s.clientIP(c)
		if !s.allow.Contains(ip) {
			s.log.Warn("webhook from untrusted address rejected", zap.String("ip", ip))
			s.metrics.WebhookRejected("forbidden_ip")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

func (s *Server) HandleWebhook(c *gin.Context) {
	var n payment.WebhookNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		s.log.Warn("failed to decode webhook", zap.Error(err))
		s.metrics.WebhookRejected("malformed")
		c.Status(http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(n.Event, "payment.") {
		s.log.Info("ignored webhook event", zap.String("event", n.Event))
		c.Status(http.StatusOK)
		return
	}
	if n.Object.ID == "" {
		s.metrics.WebhookRejected("malformed")
		c.Status(http.StatusBadRequest)
		return
	}

	out, err := s.engine.Reconcile(c.Request.Context(), reconcile.Reference{
		PaymentID:  n.Object.ID,
		UserIDHint: n.Object.Metadata[payment.MetaUserID],
		Trigger:    reconcile.TriggerPush,
	})
	if err != nil {
		log := s.log.With(zap.String("payment_id", n.Object.ID), zap.String("event", n.Event), zap.Error(err))
		if errors.Is(err, reconcile.ErrUnknownReference) {
			log.Warn("webhook references unknown payment")
			c.Status(http.StatusBadRequest)
			return
		}
		log.Error("failed to reconcile pushed payment")
		c.Status(http.StatusInternalServerError)
		return
	}
	s.log.Info("webhook processed",
		zap.String("payment_id", n.Object.ID),
		zap.String("event", n.Event),
		zap.String("outcome", string(out.Kind)),
	)
	c.Status(http.StatusOK)
}

// HandleReturn is where the gateway sends the browser after checkout. The
// user gets the result in Telegram; the page itself is informational.
func (s *Server) HandleReturn(c *gin.Context) {
	correlationID := strings.TrimSpace(c.Query("paymentId"))
	if correlationID == "" {
		c.String(http.StatusOK, pagePending)
		return
	}

	out, err := s.engine.Reconcile(c.Request.Context(), reconcile.Reference{
		CorrelationID: correlationID,
		Trigger:       reconcile.TriggerRedirect,
	})
	switch {
	case errors.Is(err, reconcile.ErrUnknownReference):
		s.log.Warn("return for unknown checkout", zap.String("correlation_id", correlationID))
		c.String(http.StatusOK, pagePending)
	case err != nil:
		s.log.Error("failed to reconcile on return", zap.String("correlation_id", correlationID), zap.Error(err))
		c.String(http.StatusOK, pagePending)
	case out.Kind == reconcile.NotYetSettled:
		c.String(http.StatusOK, pagePending)
	default:
		c.String(http.StatusOK, pageDone)
	}
}

const (
	pageDone    = "Оплата обработана! Вы будете перенаправлены в Telegram."
	pagePending = "Оплата ещё не подтверждена. Вернитесь в Telegram и проверьте статус командой /checkpayment."
)

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
