package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	auth service.Authenticator,
	wsH *WSHandler,
	convH *ConversationHandler,
	notifH *NotificationHandler,
	eventH *EventHandler,
	healthH *HealthHandler,
) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/health", healthH.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// El upgrade no pasa por el middleware JSON.
	r.GET("/ws", JWTAuthMiddleware(auth), wsH.Connect)

	api := r.Group("", jsonContentTypeMiddleware())
	api.POST("/events", eventH.Publish)

	authed := api.Group("", JWTAuthMiddleware(auth))
	authed.POST("/conversations", convH.Create)
	authed.GET("/conversations", convH.List)
	authed.GET("/conversations/:id/messages", convH.Messages)

	authed.GET("/notifications", notifH.List)
	authed.GET("/notifications/unread", notifH.Unread)
	authed.POST("/notifications/:id/ack", notifH.Acknowledge)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
