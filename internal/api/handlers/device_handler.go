package handlers

import (
	"net/http"

	"github.com/Mieluoxxx/cvp-standby/internal/device"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/gin-gonic/gin"
)

// DeviceHandler 设备 HTTP 处理器
// 配置权只能通过故障切换命令变更，这里不提供直接修改的入口
type DeviceHandler struct {
	registry *device.Registry
}

// NewDeviceHandler 创建设备处理器
func NewDeviceHandler(registry *device.Registry) *DeviceHandler {
	return &DeviceHandler{registry: registry}
}

// RegisterDeviceRequest 注册设备请求
type RegisterDeviceRequest struct {
	ID            string   `json:"id" binding:"required"`
	Region        string   `json:"region" binding:"required"`
	BoundClusters []string `json:"bound_clusters"`
	Authority     string   `json:"provisioning_authority"`
}

// BindRequest 绑定集群请求
type BindRequest struct {
	ClusterID string `json:"cluster_id" binding:"required"`
}

// RegisterDevice 注册设备
// @Summary 注册设备
// @Tags Devices
// @Accept json
// @Produce json
// @Param device body RegisterDeviceRequest true "设备信息"
// @Success 201 {object} models.Device
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/devices [post]
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	d := &models.Device{
		ID:            req.ID,
		Region:        req.Region,
		Authority:     req.Authority,
		BoundClusters: req.BoundClusters,
	}
	if err := h.registry.Register(d); err != nil {
		handleServiceError(c, err)
		return
	}

	stored, err := h.registry.Get(d.ID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// ListDevices 列出设备
// @Summary 列出设备，可按区域过滤
// @Tags Devices
// @Produce json
// @Param region query string false "区域"
// @Success 200 {object} map[string]interface{}
// @Router /api/devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	var devices []*models.Device
	if region := c.Query("region"); region != "" {
		devices = h.registry.ListByRegion(region)
	} else {
		devices = h.registry.List()
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  devices,
		"total": len(devices),
	})
}

// GetDevice 获取设备详情
// @Summary 获取设备详情
// @Tags Devices
// @Produce json
// @Param id path string true "设备 ID"
// @Success 200 {object} models.Device
// @Failure 404 {object} ErrorResponse
// @Router /api/devices/{id} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	d, err := h.registry.Get(c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Bind 绑定设备到集群
// @Summary 将设备注册到集群（幂等）
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "设备 ID"
// @Param binding body BindRequest true "目标集群"
// @Success 200 {object} models.Device
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/devices/{id}/bindings [post]
func (h *DeviceHandler) Bind(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	id := c.Param("id")
	if err := h.registry.Bind(id, req.ClusterID); err != nil {
		handleServiceError(c, err)
		return
	}
	h.respondDevice(c, id)
}

// Unbind 解除设备与集群的绑定
// @Summary 解除绑定；若配置权属于该集群则一并撤销
// @Tags Devices
// @Produce json
// @Param id path string true "设备 ID"
// @Param cluster_id path string true "集群 ID"
// @Success 200 {object} models.Device
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/devices/{id}/bindings/{cluster_id} [delete]
func (h *DeviceHandler) Unbind(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Unbind(id, c.Param("cluster_id")); err != nil {
		handleServiceError(c, err)
		return
	}
	h.respondDevice(c, id)
}

func (h *DeviceHandler) respondDevice(c *gin.Context, id string) {
	d, err := h.registry.Get(id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
