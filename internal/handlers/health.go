package handlers

import (
	"net/http"
	"time"

	"monidesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime).String(),
	})
}

// Ready 就绪检查端点
func (h *HealthHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Metrics 运行计数器快照
func (h *HealthHandler) Metrics(c *gin.Context) {
	runTotal, runsByStatus := metrics.RunSnapshot()
	dropTotal, dropsByPrefix := metrics.RateLimitSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"runs": gin.H{
			"total":     runTotal,
			"by_status": runsByStatus,
		},
		"rate_limit_drops": gin.H{
			"total":     dropTotal,
			"by_prefix": dropsByPrefix,
		},
	})
}
