package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Mieluoxxx/cvp-standby/internal/dispatcher"
	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/failover"
	"github.com/gin-gonic/gin"
)

// FailoverHandler 运维命令与切换状态处理器
type FailoverHandler struct {
	coordinator *failover.Coordinator
	events      *events.Service
}

// NewFailoverHandler 创建故障切换处理器
func NewFailoverHandler(coordinator *failover.Coordinator, eventService *events.Service) *FailoverHandler {
	return &FailoverHandler{
		coordinator: coordinator,
		events:      eventService,
	}
}

// CommandRequest 提升/回切命令请求
type CommandRequest struct {
	Target    string   `json:"target" binding:"required"`
	DeviceIDs []string `json:"device_ids"`
	Reason    string   `json:"reason"`
	Force     bool     `json:"force"` // 仅 restore 使用：跳过稳定期
}

// ResolveRequest 双故障处理请求
type ResolveRequest struct {
	DeviceID  string `json:"device_id" binding:"required"`
	ClusterID string `json:"cluster_id" binding:"required"`
	Reason    string `json:"reason"`
}

// Promote 人工提升备集群
// @Summary 将降级设备的配置权交给备集群
// @Tags Failover
// @Accept json
// @Produce json
// @Param command body CommandRequest true "目标备集群与设备"
// @Success 200 {object} dispatcher.Result
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/failover/promote [post]
func (h *FailoverHandler) Promote(c *gin.Context) {
	h.runCommand(c, h.coordinator.Promote)
}

// Restore 人工回切主集群
// @Summary 将配置权归还主集群
// @Tags Failover
// @Accept json
// @Produce json
// @Param command body CommandRequest true "目标主集群与设备"
// @Success 200 {object} dispatcher.Result
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/failover/restore [post]
func (h *FailoverHandler) Restore(c *gin.Context) {
	h.runCommand(c, h.coordinator.Restore)
}

// Cancel 取消进行中的运维命令
// @Summary 取消尚未提交的运维命令
// @Tags Failover
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/failover/cancel [post]
func (h *FailoverHandler) Cancel(c *gin.Context) {
	if err := h.coordinator.Cancel(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Operation cancelled"})
}

// Resolve 处理双故障设备
// @Summary 为 Unmanaged 设备人工指定配置权归属
// @Tags Failover
// @Accept json
// @Produce json
// @Param command body ResolveRequest true "设备与目标集群"
// @Success 200 {object} dispatcher.Result
// @Failure 422 {object} ErrorResponse
// @Router /api/failover/resolve [post]
func (h *FailoverHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	result, err := h.coordinator.Resolve(c.Request.Context(), req.DeviceID, req.ClusterID, req.Reason)
	if err != nil {
		if result != nil {
			respondError(c, http.StatusBadGateway, "DISPATCH_FAILED", err.Error(), result)
			return
		}
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListStates 列出设备切换状态
// @Summary 列出设备切换状态，可按区域过滤
// @Tags Failover
// @Produce json
// @Param region query string false "区域"
// @Success 200 {object} map[string]interface{}
// @Router /api/failover/states [get]
func (h *FailoverHandler) ListStates(c *gin.Context) {
	states := h.coordinator.States(c.Query("region"))
	c.JSON(http.StatusOK, gin.H{
		"data":  states,
		"total": len(states),
	})
}

// GetState 获取单台设备的切换状态
// @Summary 获取设备切换状态
// @Tags Failover
// @Produce json
// @Param device_id path string true "设备 ID"
// @Success 200 {object} failover.DeviceStatus
// @Failure 404 {object} ErrorResponse
// @Router /api/failover/states/{device_id} [get]
func (h *FailoverHandler) GetState(c *gin.Context) {
	state, err := h.coordinator.State(c.Param("device_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListEvents 列出故障切换审计记录
// @Summary 列出故障切换事件（最新在前）
// @Tags Failover
// @Produce json
// @Param region query string false "区域"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} map[string]interface{}
// @Router /api/failover/events [get]
func (h *FailoverHandler) ListEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000", nil)
		return
	}

	list, err := h.events.ListFailoverEvents(c.Query("region"), limit)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  list,
		"total": len(list),
	})
}

// GetEvent 获取单条故障切换记录
// @Summary 获取故障切换事件
// @Tags Failover
// @Produce json
// @Param id path string true "事件 ID"
// @Success 200 {object} models.FailoverEvent
// @Failure 404 {object} ErrorResponse
// @Router /api/failover/events/{id} [get]
func (h *FailoverHandler) GetEvent(c *gin.Context) {
	event, err := h.events.GetFailoverEvent(c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *FailoverHandler) runCommand(c *gin.Context, run func(context.Context, failover.Command) (*dispatcher.Result, error)) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	result, err := run(c.Request.Context(), failover.Command{
		Target:    req.Target,
		DeviceIDs: req.DeviceIDs,
		Reason:    req.Reason,
		Force:     req.Force,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
