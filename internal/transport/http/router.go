package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"threadbox/backend/internal/config"
	"threadbox/backend/internal/egress"
	"threadbox/backend/internal/health"
	"threadbox/backend/internal/imappoll"
	"threadbox/backend/internal/ingest"
	"threadbox/backend/internal/middleware"
	"threadbox/backend/internal/monitoring"
	"threadbox/backend/internal/provider"
	"threadbox/backend/internal/storage"

	"threadbox/backend/internal/domain"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	store     storage.Store
	pipeline  *ingest.Pipeline
	egress    *egress.Service
	providers map[domain.ProviderType]provider.Provider
	poller    *imappoll.Manager
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config    *config.Config
	Store     storage.Store
	Pipeline  *ingest.Pipeline
	Egress    *egress.Service
	Providers map[domain.ProviderType]provider.Provider
	Poller    *imappoll.Manager
	Metrics   *monitoring.Metrics
	Health    *health.Checker
	Logger    *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics.RecordPanic))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.HTTPMetrics(deps.Metrics))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		egress:    deps.Egress,
		providers: deps.Providers,
		poller:    deps.Poller,
		metrics:   deps.Metrics,
		log:       deps.Logger,
	}

	// 入站 Webhook，请求体上限放宽到整封邮件的体量
	webhooks := router.Group("/webhooks")
	webhooks.Use(middleware.BodySizeLimit(middleware.WebhookBodyLimit))
	{
		webhooks.POST("/:provider", handler.HandleInboundWebhook)
	}

	api := router.Group("/api/v1")
	api.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	{
		api.POST("/inboxes", handler.CreateInbox)
		api.GET("/inboxes", handler.ListInboxes)
		api.GET("/inboxes/:inboxID", handler.GetInbox)
		api.DELETE("/inboxes/:inboxID", handler.DeleteInbox)

		api.GET("/inboxes/:inboxID/threads", handler.ListThreads)
		api.GET("/inboxes/:inboxID/threads/:threadID", handler.GetThread)
		api.GET("/inboxes/:inboxID/threads/:threadID/messages", handler.ListThreadMessages)
		api.GET("/inboxes/:inboxID/messages/:messageID", handler.GetMessage)
		api.GET("/inboxes/:inboxID/messages/:messageID/attachments/:attachmentID", handler.GetAttachment)

		api.POST("/inboxes/:inboxID/messages", handler.SendMessage)
		api.POST("/inboxes/:inboxID/sync", handler.SyncInbox)
	}

	if deps.Health != nil {
		router.GET("/healthz", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/readyz", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	return router
}
