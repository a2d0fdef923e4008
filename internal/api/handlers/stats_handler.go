package handlers

import (
	"net/http"

	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/failover"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/stats"
	"github.com/gin-gonic/gin"
)

// StatsHandler 统计信息处理器
type StatsHandler struct {
	clusters     *cluster.Registry
	monitor      *health.Monitor
	coordinator  *failover.Coordinator
	samples      *stats.RateCounter
	requests     *stats.RateCounter
	eventService *events.Service
}

// NewStatsHandler 创建统计处理器
func NewStatsHandler(clusters *cluster.Registry, monitor *health.Monitor, coordinator *failover.Coordinator, samples, requests *stats.RateCounter, eventService *events.Service) *StatsHandler {
	return &StatsHandler{
		clusters:     clusters,
		monitor:      monitor,
		coordinator:  coordinator,
		samples:      samples,
		requests:     requests,
		eventService: eventService,
	}
}

// SystemStats 系统统计信息响应
type SystemStats struct {
	Clusters     ClusterStats    `json:"clusters"`
	Devices      DeviceStats     `json:"devices"`
	Samples      stats.RateStats `json:"samples"`
	Requests     stats.RateStats `json:"requests"`
	RecentEvents []Event         `json:"recent_events"`
}

// ClusterStats 集群统计
type ClusterStats struct {
	Total       int            `json:"total"`
	Reachable   int            `json:"reachable"`
	Unreachable int            `json:"unreachable"`
	ByStatus    map[string]int `json:"by_status"`
}

// DeviceStats 设备统计
type DeviceStats struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// Event 事件日志
type Event struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// GetStats 获取系统统计信息
// @Summary 获取系统统计信息
// @Description 获取系统概览，包括集群可达性、设备切换状态分布、样本与请求速率以及最近事件
// @Tags Stats
// @Produce json
// @Success 200 {object} SystemStats
// @Router /api/stats [get]
func (h *StatsHandler) GetStats(c *gin.Context) {
	clusterStats := ClusterStats{ByStatus: make(map[string]int)}
	for _, cl := range h.clusters.ListClusters() {
		clusterStats.Total++
		clusterStats.ByStatus[string(cl.Status)]++
		switch h.monitor.CurrentStatus(cl.ID) {
		case health.StatusReachable:
			clusterStats.Reachable++
		case health.StatusUnreachable:
			clusterStats.Unreachable++
		}
	}

	deviceStats := DeviceStats{ByState: make(map[string]int)}
	for _, st := range h.coordinator.States("") {
		deviceStats.Total++
		deviceStats.ByState[string(st.State)]++
	}

	// 获取最近事件（最多 10 条）
	recentEventsData, err := h.eventService.GetRecentEvents(10)
	recentEvents := make([]Event, 0, len(recentEventsData))
	if err == nil {
		for _, evt := range recentEventsData {
			recentEvents = append(recentEvents, Event{
				Timestamp: evt.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				Type:      evt.Type,
				Level:     evt.Level,
				Message:   evt.Message,
			})
		}
	}

	c.JSON(http.StatusOK, SystemStats{
		Clusters:     clusterStats,
		Devices:      deviceStats,
		Samples:      h.samples.GetStats(),
		Requests:     h.requests.GetStats(),
		RecentEvents: recentEvents,
	})
}
