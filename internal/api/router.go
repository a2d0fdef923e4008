package api

import (
	"net/http"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/api/handlers"
	"github.com/Mieluoxxx/cvp-standby/internal/api/middleware"
	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/config"
	"github.com/Mieluoxxx/cvp-standby/internal/device"
	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/failover"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/stats"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName 健康检查返回的服务名
const ServiceName = "cvp-standby"

// Deps 路由依赖
type Deps struct {
	Server      config.ServerConfig
	Metrics     config.MetricsConfig
	Clusters    *cluster.Registry
	Devices     *device.Registry
	Monitor     *health.Monitor
	Coordinator *failover.Coordinator
	Events      *events.Service

	Samples  *stats.RateCounter // 为空时自动创建
	Requests *stats.RateCounter // 为空时自动创建

	MetricsHandler http.Handler // 为空时使用 promhttp 默认注册表
}

// SetupRouter 配置路由
func SetupRouter(deps Deps) *gin.Engine {
	if deps.Samples == nil {
		deps.Samples = stats.NewRateCounter(time.Minute)
	}
	if deps.Requests == nil {
		deps.Requests = stats.NewRateCounter(time.Minute)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// 运维控制台跨域
	if len(deps.Server.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     deps.Server.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.IdempotencyHeader},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// 健康检查端点
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": ServiceName,
		})
	})

	if deps.Metrics.Enabled {
		path := deps.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		h := deps.MetricsHandler
		if h == nil {
			h = promhttp.Handler()
		}
		router.GET(path, gin.WrapH(h))
	}

	// API 路由组
	apiGroup := router.Group("/api")
	apiGroup.Use(
		middleware.RequestCounterMiddleware(deps.Requests),
		middleware.OperatorAuthMiddleware(deps.Server.OperatorToken),
	)
	{
		setupClusterRoutes(apiGroup, deps)
		setupDeviceRoutes(apiGroup, deps)
		setupHealthRoutes(apiGroup, deps)
		setupFailoverRoutes(apiGroup, deps)
		setupEventRoutes(apiGroup, deps)
	}

	return router
}

// setupClusterRoutes 配置集群路由
func setupClusterRoutes(group *gin.RouterGroup, deps Deps) {
	handler := handlers.NewClusterHandler(deps.Clusters, deps.Monitor)

	clusters := group.Group("/clusters")
	{
		clusters.POST("", handler.RegisterCluster)
		clusters.GET("", handler.ListClusters)
		clusters.GET("/:id", handler.GetCluster)
		clusters.PUT("/:id/status", handler.UpdateStatus)
	}
	group.GET("/regions/:region", handler.GetPair)
}

// setupDeviceRoutes 配置设备路由
func setupDeviceRoutes(group *gin.RouterGroup, deps Deps) {
	handler := handlers.NewDeviceHandler(deps.Devices)

	devices := group.Group("/devices")
	{
		devices.POST("", handler.RegisterDevice)
		devices.GET("", handler.ListDevices)
		devices.GET("/:id", handler.GetDevice)
		devices.POST("/:id/bindings", handler.Bind)
		devices.DELETE("/:id/bindings/:cluster_id", handler.Unbind)
	}
}

// setupHealthRoutes 配置健康样本路由
func setupHealthRoutes(group *gin.RouterGroup, deps Deps) {
	handler := handlers.NewHealthHandler(deps.Monitor, deps.Clusters, deps.Samples)

	h := group.Group("/health")
	{
		h.POST("/samples", handler.IngestSamples)
		h.GET("/clusters", handler.ListClusterHealth)
		h.GET("/clusters/:id", handler.GetClusterHealth)
	}
}

// setupFailoverRoutes 配置故障切换路由
// 运维命令支持 Idempotency-Key 重试
func setupFailoverRoutes(group *gin.RouterGroup, deps Deps) {
	handler := handlers.NewFailoverHandler(deps.Coordinator, deps.Events)
	idempotency := middleware.NewIdempotency(10 * time.Minute)

	fo := group.Group("/failover")
	{
		commands := fo.Group("", idempotency.Middleware())
		commands.POST("/promote", handler.Promote)
		commands.POST("/restore", handler.Restore)
		commands.POST("/resolve", handler.Resolve)
		fo.POST("/cancel", handler.Cancel)

		fo.GET("/states", handler.ListStates)
		fo.GET("/states/:device_id", handler.GetState)
		fo.GET("/events", handler.ListEvents)
		fo.GET("/events/:id", handler.GetEvent)
	}
}

// setupEventRoutes 配置系统事件与统计路由
func setupEventRoutes(group *gin.RouterGroup, deps Deps) {
	eventHandler := handlers.NewEventHandler(deps.Events)
	statsHandler := handlers.NewStatsHandler(deps.Clusters, deps.Monitor, deps.Coordinator, deps.Samples, deps.Requests, deps.Events)

	group.GET("/events", eventHandler.ListEvents)
	group.DELETE("/events", eventHandler.CleanupEvents)
	group.GET("/stats", statsHandler.GetStats)
}
