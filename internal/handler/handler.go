package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/talentmesh/mailsync-worker/internal/repository"
	"github.com/talentmesh/mailsync-worker/internal/service"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db           *gorm.DB
	orchestrator *service.Orchestrator
	requests     *repository.ImportRequestRepository
	log          *logrus.Logger
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, orchestrator *service.Orchestrator, requests *repository.ImportRequestRepository, log *logrus.Logger) *Handlers {
	return &Handlers{
		db:           db,
		orchestrator: orchestrator,
		requests:     requests,
		log:          log,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/imports", h.SubmitImport)
		api.GET("/imports/:id", h.GetImport)
		api.POST("/imports/:id/cancel", h.CancelImport)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
	}

	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		h.log.WithError(err).Error("database health check failed")
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}
