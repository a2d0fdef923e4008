package handlers

import (
	"net/http"

	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/gin-gonic/gin"
)

// ClusterHandler 集群 HTTP 处理器
type ClusterHandler struct {
	registry *cluster.Registry
	monitor  *health.Monitor
}

// NewClusterHandler 创建集群处理器
// 新注册的集群会自动加入健康监控
func NewClusterHandler(registry *cluster.Registry, monitor *health.Monitor) *ClusterHandler {
	return &ClusterHandler{
		registry: registry,
		monitor:  monitor,
	}
}

// RegisterClusterRequest 注册集群请求
type RegisterClusterRequest struct {
	ID       string                `json:"id" binding:"required"`
	Region   string                `json:"region" binding:"required"`
	Role     models.ClusterRole    `json:"role" binding:"required"`
	Mode     models.DeploymentMode `json:"mode" binding:"required"`
	Status   models.ClusterStatus  `json:"status"`
	Endpoint string                `json:"endpoint"`
}

// UpdateStatusRequest 更新集群状态请求
type UpdateStatusRequest struct {
	Status models.ClusterStatus `json:"status" binding:"required"`
}

// ClusterResponse 集群及其当前可达性
type ClusterResponse struct {
	*models.Cluster
	Reachability health.Reachability `json:"reachability"`
}

// RegisterCluster 注册集群
// @Summary 注册控制器集群
// @Tags Clusters
// @Accept json
// @Produce json
// @Param cluster body RegisterClusterRequest true "集群信息"
// @Success 201 {object} ClusterResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/clusters [post]
func (h *ClusterHandler) RegisterCluster(c *gin.Context) {
	var req RegisterClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	cl := &models.Cluster{
		ID:       req.ID,
		Region:   req.Region,
		Role:     req.Role,
		Mode:     req.Mode,
		Status:   req.Status,
		Endpoint: req.Endpoint,
	}
	if err := h.registry.RegisterCluster(cl); err != nil {
		handleServiceError(c, err)
		return
	}
	if h.monitor != nil {
		h.monitor.Track(cl.ID)
	}

	stored, err := h.registry.GetCluster(cl.ID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.toResponse(stored))
}

// ListClusters 列出集群
// @Summary 列出所有集群，可按区域过滤
// @Tags Clusters
// @Produce json
// @Param region query string false "区域"
// @Success 200 {object} map[string]interface{}
// @Router /api/clusters [get]
func (h *ClusterHandler) ListClusters(c *gin.Context) {
	region := c.Query("region")

	clusters := h.registry.ListClusters()
	data := make([]ClusterResponse, 0, len(clusters))
	for _, cl := range clusters {
		if region != "" && cl.Region != region {
			continue
		}
		data = append(data, h.toResponse(cl))
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  data,
		"total": len(data),
	})
}

// GetCluster 获取集群详情
// @Summary 获取集群详情
// @Tags Clusters
// @Produce json
// @Param id path string true "集群 ID"
// @Success 200 {object} ClusterResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/clusters/{id} [get]
func (h *ClusterHandler) GetCluster(c *gin.Context) {
	cl, err := h.registry.GetCluster(c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(cl))
}

// GetPair 获取区域主备集群
// @Summary 获取区域的主备集群视图
// @Tags Clusters
// @Produce json
// @Param region path string true "区域"
// @Success 200 {object} cluster.Pair
// @Failure 404 {object} ErrorResponse
// @Router /api/regions/{region} [get]
func (h *ClusterHandler) GetPair(c *gin.Context) {
	pair, err := h.registry.Pair(c.Param("region"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// UpdateStatus 人工更新集群状态
// @Summary 更新集群运行状态
// @Tags Clusters
// @Accept json
// @Produce json
// @Param id path string true "集群 ID"
// @Param status body UpdateStatusRequest true "新状态"
// @Success 200 {object} ClusterResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/clusters/{id}/status [put]
func (h *ClusterHandler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	id := c.Param("id")
	if err := h.registry.SetStatus(id, req.Status); err != nil {
		handleServiceError(c, err)
		return
	}

	cl, err := h.registry.GetCluster(id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(cl))
}

func (h *ClusterHandler) toResponse(cl *models.Cluster) ClusterResponse {
	reach := health.StatusUnknown
	if h.monitor != nil {
		reach = h.monitor.CurrentStatus(cl.ID)
	}
	return ClusterResponse{Cluster: cl, Reachability: reach}
}
