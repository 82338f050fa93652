package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"monidesk/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AutomationHandler 管理自动化规则
// 说明：条件/动作由前端传递 JSON，服务端做结构校验。
type AutomationHandler struct {
	service *services.AutomationService
	hub     *services.RunFeedHub
}

func NewAutomationHandler(service *services.AutomationService, hub *services.RunFeedHub) *AutomationHandler {
	return &AutomationHandler{service: service, hub: hub}
}

func businessIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("business_id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid business id", Message: c.Param("business_id")})
		return 0, false
	}
	return uint(id), true
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid " + name, Message: c.Param(name)})
		return 0, false
	}
	return uint(id), true
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.CreateRule(c.Request.Context(), businessID, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	var req services.AutomationRuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}

	rules, total, err := h.service.ListRules(c.Request.Context(), businessID, &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}

	pages := int(total) / req.PageSize
	if int(total)%req.PageSize > 0 {
		pages++
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     rules,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pages,
	})
}

// GetRule 获取单条规则
func (h *AutomationHandler) GetRule(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	rule, err := h.service.GetRule(c.Request.Context(), businessID, id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to get rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则（部分字段）
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.UpdateRule(c.Request.Context(), businessID, id, &req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

type ruleStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetRuleStatus 启用/停用规则（不做物理删除）
func (h *AutomationHandler) SetRuleStatus(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req ruleStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.SetRuleStatus(c.Request.Context(), businessID, id, req.Status)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update rule status", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

type testRuleRequest struct {
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
}

// TestRule 试运行规则（dry run，不产生副作用）
func (h *AutomationHandler) TestRule(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req testRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	run, err := h.service.TestRule(c.Request.Context(), businessID, id, req.EventType, req.Payload)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to test rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns 获取规则执行历史
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	runs, total, err := h.service.ListRuns(c.Request.Context(), businessID, id, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     runs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// ListTemplates 获取规则模板目录
func (h *AutomationHandler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListTemplates())
}

type installTemplateRequest struct {
	Key string `json:"key" binding:"required"`
}

// InstallTemplate 安装模板规则
func (h *AutomationHandler) InstallTemplate(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	var req installTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.InstallTemplateRule(c.Request.Context(), businessID, req.Key, 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to install template", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

type enqueueEventRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
}

// EnqueueEvent 写入一条待处理的 outbox 事件
func (h *AutomationHandler) EnqueueEvent(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	var req enqueueEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	event, err := h.service.EnqueueOutboxEvent(c.Request.Context(), businessID, req.EventType, req.Payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to enqueue event", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, event)
}

// ProcessEvents 手动触发一轮 outbox 扫描
func (h *AutomationHandler) ProcessEvents(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	summary, err := h.service.ProcessOutboxEvents(c.Request.Context(), businessID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process events", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RunFeed WebSocket 运行结果推送
func (h *AutomationHandler) RunFeed(c *gin.Context) {
	businessID, ok := businessIDParam(c)
	if !ok {
		return
	}
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Run feed unavailable", Message: "hub not running"})
		return
	}
	h.hub.HandleWebSocket(c, businessID)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	biz := r.Group("/businesses/:business_id")
	{
		rules := biz.Group("/automation/rules")
		{
			rules.GET("", handler.ListRules)
			rules.POST("", handler.CreateRule)
			rules.GET(":id", handler.GetRule)
			rules.PATCH(":id", handler.UpdateRule)
			rules.PUT(":id/status", handler.SetRuleStatus)
			rules.POST(":id/test", handler.TestRule)
			rules.GET(":id/runs", handler.ListRuns)
		}
		templates := biz.Group("/automation/templates")
		{
			templates.GET("", handler.ListTemplates)
			templates.POST("/install", handler.InstallTemplate)
		}
		events := biz.Group("/automation/events")
		{
			events.POST("", handler.EnqueueEvent)
			events.POST("/process", handler.ProcessEvents)
		}
		biz.GET("/automation/feed", handler.RunFeed)
	}
}
