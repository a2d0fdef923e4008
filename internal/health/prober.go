package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/logger"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ClusterSource 提供待探测的集群列表
type ClusterSource interface {
	ListClusters() []*models.Cluster
}

// ProbeResult 单次探测结果
type ProbeResult struct {
	ClusterID      string    `json:"cluster_id"`
	Healthy        bool      `json:"healthy"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	StatusCode     int       `json:"status_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Prober 主动探测集群健康端点并把结果送入 Monitor
type Prober struct {
	client      *http.Client
	timeout     time.Duration
	monitor     *Monitor
	clusters    ClusterSource
	concurrency int
	log         *zap.Logger
}

// NewProber 创建探测器
func NewProber(monitor *Monitor, clusters ClusterSource, timeout time.Duration, log *zap.Logger) *Prober {
	if timeout == 0 {
		timeout = 5 * time.Second // 默认 5 秒超时
	}

	return &Prober{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout:     timeout,
		monitor:     monitor,
		clusters:    clusters,
		concurrency: 8,
		log:         logger.OrNop(log).Named("prober"),
	}
}

// Check 探测单个端点，2xx 视为健康
func (p *Prober) Check(ctx context.Context, clusterID, endpoint string) *ProbeResult {
	startTime := time.Now()
	result := &ProbeResult{
		ClusterID: clusterID,
		CheckedAt: startTime,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		result.Error = fmt.Sprintf("创建请求失败: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "CVP-Standby/1.0")

	resp, err := p.client.Do(req)
	result.ResponseTimeMs = time.Since(startTime).Milliseconds()
	if err != nil {
		result.Error = fmt.Sprintf("请求失败: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Healthy = true
	} else {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}

// ProbeAll 并发探测所有配置了端点的集群，并把结果作为样本提交
func (p *Prober) ProbeAll(ctx context.Context) []*ProbeResult {
	var targets []*models.Cluster
	for _, c := range p.clusters.ListClusters() {
		if c.Endpoint != "" {
			targets = append(targets, c)
		}
	}

	results := make([]*ProbeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, c := range targets {
		i, c := i, c
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			res := p.Check(checkCtx, c.ID, c.Endpoint)
			results[i] = res

			err := p.monitor.Observe(Sample{
				ClusterID: c.ID,
				Timestamp: res.CheckedAt,
				Reachable: res.Healthy,
			})
			if err != nil && !errors.Is(err, ErrStaleSample) {
				p.log.Warn("提交探测样本失败", zap.String("cluster", c.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run 周期性探测，直到 ctx 结束
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}
