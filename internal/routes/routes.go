// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"parking-service/api"
	"parking-service/internal/config"
	"parking-service/internal/handler"
	"parking-service/internal/middleware"
	"parking-service/internal/repository"
	"parking-service/internal/utils"
)

// Dependencies are the lane components exposed over HTTP
type Dependencies struct {
	Lane     handler.Lane
	Sessions handler.Sessions
	Audit    repository.AuditRepository
	Gate     handler.GateControl
	Devices  handler.Devices
	Health   handler.HealthDeps
	Hub      *handler.WebSocketHandler
}

// Router holds all dependencies for routing
type Router struct {
	config *config.Config
	logger *zap.Logger
	deps   Dependencies
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	return &Router{
		config: config,
		logger: logger,
		deps:   deps,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes. Reads are open; every route that
// moves a device or changes a ticket goes through operator auth.
func (r *Router) addRoutes(router *gin.Engine) {
	auth := middleware.OperatorAuth(&r.config.Security, utils.NewSecurityLogger(r.logger))

	// Health check routes (no auth required)
	handler.NewHealthHandler(r.deps.Health, r.config, r.logger).RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	handler.NewOperationHandler(r.deps.Lane, r.config, r.logger).RegisterRoutes(apiV1, auth)
	handler.NewSessionHandler(r.deps.Sessions, r.deps.Audit, r.logger).RegisterRoutes(apiV1, auth)
	handler.NewGateHandler(r.deps.Gate, r.logger).RegisterRoutes(apiV1, auth)
	handler.NewDeviceHandler(r.deps.Devices, r.logger).RegisterRoutes(apiV1, auth)

	if r.deps.Hub != nil {
		r.addWebSocketRoutes(router, apiV1, auth)
	}
	r.addDocumentationRoutes(router)

	router.NoRoute(func(c *gin.Context) {
		utils.ErrorResponse(c, http.StatusNotFound, "Route not found", nil)
	})

	r.logger.Info("All routes configured successfully")
}

// addWebSocketRoutes sets up the dashboard stream. Browsers cannot attach an
// Authorization header to a WebSocket upgrade, so the stream is read-only and
// checked by origin instead.
func (r *Router) addWebSocketRoutes(router *gin.Engine, api *gin.RouterGroup, auth gin.HandlerFunc) {
	hub := r.deps.Hub
	router.GET("/ws", hub.HandleEventConnection)
	api.GET("/ws/stats", auth, func(c *gin.Context) {
		utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics", hub.GetConnectionStats())
	})
}

// addDocumentationRoutes serves the checked-in OpenAPI file and the Swagger UI
// pointed at it
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", api.OpenAPI)
	})
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler, ginSwagger.URL("/openapi.yaml")))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
