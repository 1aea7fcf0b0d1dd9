package server

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-group-change/internal/handler"
	"github.com/noah-isme/sma-group-change/internal/middleware"
	"github.com/noah-isme/sma-group-change/internal/models"
	"github.com/noah-isme/sma-group-change/internal/service"
	"github.com/noah-isme/sma-group-change/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-group-change/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-group-change/pkg/middleware/requestid"
)

// tokenValidator mirrors the JWT middleware dependency.
type tokenValidator interface {
	ValidateToken(token string) (*models.JWTClaims, error)
}

// Dependencies groups everything the HTTP surface needs.
type Dependencies struct {
	APIPrefix      string
	AllowedOrigins []string
	EnableDocs     bool
	Logger         *zap.Logger
	Tokens         tokenValidator
	Metrics        *service.MetricsService
	ChangeRequests *handler.ChangeRequestHandler
	Admission      *handler.AdmissionHandler
	Observability  *handler.MetricsHandler
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(deps.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics, "/metrics"))

	r.GET("/health", deps.Observability.Health)
	r.GET("/ready", deps.Observability.Ready)
	r.GET("/metrics", deps.Observability.Prometheus)
	if deps.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(deps.APIPrefix)
	api.Use(middleware.JWT(deps.Tokens))

	requests := api.Group("/change-requests")
	{
		cr := deps.ChangeRequests
		requests.POST("", middleware.RequireRoles(models.RoleStudent), cr.Submit)
		requests.GET("/mine", middleware.RequireRoles(models.RoleStudent), cr.ListMine)
		requests.GET("/:id", cr.Get)
		requests.GET("/:id/rank", cr.Rank)
		requests.GET("/:id/history/export", cr.ExportHistory)
		requests.PATCH("/:id", middleware.RequireRoles(models.RoleStudent), cr.Update)
		requests.POST("/:id/cancel", middleware.RequireRoles(models.RoleStudent), cr.Cancel)
		requests.POST("/:id/review", middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin), cr.Review)
		requests.POST("/:id/admit", middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin), deps.Admission.Admit)
	}

	reviewers := middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin)
	api.GET("/groups/:id/occupancy", reviewers, deps.Admission.Occupancy)
	api.POST("/groups/:id/decide", reviewers, deps.Admission.Decide)
	api.POST("/admission/decide-all", reviewers, deps.Admission.DecideAll)
	api.GET("/admission/metrics", reviewers, deps.Observability.Snapshot)
	api.POST("/students/:id/undo", middleware.RequireRoles(models.RoleAdmin), deps.Admission.Undo)

	return r
}
