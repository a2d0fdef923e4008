package handlers

import (
	"net/http"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/stats"
	"github.com/gin-gonic/gin"
)

// HealthHandler 健康样本接入处理器
type HealthHandler struct {
	monitor  *health.Monitor
	clusters *cluster.Registry
	counter  *stats.RateCounter
}

// NewHealthHandler 创建健康处理器
func NewHealthHandler(monitor *health.Monitor, clusters *cluster.Registry, counter *stats.RateCounter) *HealthHandler {
	return &HealthHandler{
		monitor:  monitor,
		clusters: clusters,
		counter:  counter,
	}
}

// SampleRequest 单个健康样本
type SampleRequest struct {
	ClusterID string    `json:"cluster_id" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Reachable bool      `json:"reachable"`
}

// IngestRequest 批量样本请求
type IngestRequest struct {
	Samples []SampleRequest `json:"samples" binding:"required,min=1,dive"`
}

// SampleResult 单个样本的处理结果
type SampleResult struct {
	ClusterID string `json:"cluster_id"`
	Accepted  bool   `json:"accepted"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// IngestResponse 批量样本处理结果
type IngestResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []SampleResult `json:"results"`
}

// IngestSamples 接收健康样本
// 单个样本被拒绝不影响同批其他样本
// @Summary 批量上报集群健康样本
// @Tags Health
// @Accept json
// @Produce json
// @Param samples body IngestRequest true "样本列表"
// @Success 200 {object} IngestResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/health/samples [post]
func (h *HealthHandler) IngestSamples(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	resp := IngestResponse{Results: make([]SampleResult, 0, len(req.Samples))}
	for _, s := range req.Samples {
		result := SampleResult{ClusterID: s.ClusterID, Accepted: true}

		err := h.observe(s)
		if h.counter != nil {
			h.counter.Increment()
		}
		if err != nil {
			_, code := classify(err)
			result.Accepted = false
			result.Code = code
			result.Message = err.Error()
			resp.Rejected++
			if h.counter != nil {
				h.counter.Reject()
			}
		} else {
			resp.Accepted++
		}
		resp.Results = append(resp.Results, result)
	}

	c.JSON(http.StatusOK, resp)
}

// ListClusterHealth 列出所有集群的健康快照
// @Summary 列出集群健康快照
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/health/clusters [get]
func (h *HealthHandler) ListClusterHealth(c *gin.Context) {
	snapshot := h.monitor.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"data":  snapshot,
		"total": len(snapshot),
	})
}

// GetClusterHealth 获取单个集群的健康快照
// @Summary 获取集群健康快照
// @Tags Health
// @Produce json
// @Param id path string true "集群 ID"
// @Success 200 {object} health.ClusterHealth
// @Failure 404 {object} ErrorResponse
// @Router /api/health/clusters/{id} [get]
func (h *HealthHandler) GetClusterHealth(c *gin.Context) {
	snapshot, err := h.monitor.Get(c.Param("id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// observe 只接收已注册集群的样本
func (h *HealthHandler) observe(s SampleRequest) error {
	if _, err := h.clusters.GetCluster(s.ClusterID); err != nil {
		return err
	}
	return h.monitor.Observe(health.Sample{
		ClusterID: s.ClusterID,
		Timestamp: s.Timestamp,
		Reachable: s.Reachable,
	})
}
