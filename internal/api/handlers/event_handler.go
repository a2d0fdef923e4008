package handlers

import (
	"net/http"
	"strconv"

	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/gin-gonic/gin"
)

// EventHandler 系统事件处理器
type EventHandler struct {
	events *events.Service
}

// NewEventHandler 创建系统事件处理器
func NewEventHandler(eventService *events.Service) *EventHandler {
	return &EventHandler{events: eventService}
}

// ListEvents 列出系统事件
// @Summary 列出系统事件，可按类型或级别过滤
// @Tags Events
// @Produce json
// @Param type query string false "事件类型"
// @Param level query string false "事件级别"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} map[string]interface{}
// @Router /api/events [get]
func (h *EventHandler) ListEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000", nil)
		return
	}

	var list []models.SystemEvent
	switch {
	case c.Query("type") != "":
		list, err = h.events.GetEventsByType(c.Query("type"), limit)
	case c.Query("level") != "":
		list, err = h.events.GetEventsByLevel(c.Query("level"), limit)
	default:
		list, err = h.events.GetRecentEvents(limit)
	}
	if err != nil {
		handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  list,
		"total": len(list),
	})
}

// CleanupEvents 清理旧的系统事件
// @Summary 删除早于指定天数的系统事件，切换审计记录不受影响
// @Tags Events
// @Produce json
// @Param older_than_days query int true "保留天数"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /api/events [delete]
func (h *EventHandler) CleanupEvents(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("older_than_days"))
	if err != nil || days <= 0 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "older_than_days must be a positive integer", nil)
		return
	}

	deleted, err := h.events.CleanupOldEvents(days)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
