package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/logger"
	"github.com/Mieluoxxx/cvp-standby/internal/metrics"
	"go.uber.org/zap"
)

// ==================== 类型定义 ====================

var (
	// ErrStaleSample 样本时间戳不晚于已接收的最新样本（乱序或重复）
	ErrStaleSample = errors.New("stale health sample")
	// ErrExpiredSample 样本超出有效期
	ErrExpiredSample = errors.New("expired health sample")
	// ErrFutureSample 样本时间戳超前本地时钟太多
	ErrFutureSample = errors.New("health sample from the future")
	// ErrInvalidSample 样本缺少集群 ID 或时间戳
	ErrInvalidSample = errors.New("invalid health sample")
	// ErrUntracked 集群未被监控
	ErrUntracked = errors.New("cluster not tracked")
)

// Reachability 集群可达性
type Reachability string

const (
	StatusUnknown     Reachability = "unknown"
	StatusReachable   Reachability = "reachable"
	StatusUnreachable Reachability = "unreachable"
)

// Sample 单次健康探测结果
type Sample struct {
	ClusterID string    `json:"cluster_id"`
	Timestamp time.Time `json:"timestamp"`
	Reachable bool      `json:"reachable"`
}

// StatusChange 可达性变化通知
type StatusChange struct {
	ClusterID string       `json:"cluster_id"`
	From      Reachability `json:"from"`
	To        Reachability `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
}

// ClusterHealth 集群健康快照
type ClusterHealth struct {
	ClusterID           string       `json:"cluster_id"`
	Status              Reachability `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSampleAt        time.Time    `json:"last_sample_at"`
	LastSeenAt          time.Time    `json:"last_seen_at"`
	Window              []Sample     `json:"window"`
	SuccessRate         float64      `json:"success_rate"`
}

// Config 监控参数
type Config struct {
	Window           int           // 每个集群保留的样本数 W
	FailureThreshold int           // 连续失败或错过的样本数 K
	SampleTTL        time.Duration // 样本有效期
	ExpectedInterval time.Duration // 期望的样本间隔
	ClockSkew        time.Duration // 允许样本时间戳超前本地时钟的最大值
}

// clusterState 单个集群的监控状态
// mu 保护所有字段；deliver 保证同一集群的通知按时间顺序送达
type clusterState struct {
	mu      sync.Mutex
	deliver sync.Mutex

	window        []Sample
	status        Reachability
	lastTimestamp time.Time // 最新样本的时间戳
	lastSeen      time.Time // 最近一次收到样本的本地时间
}

// Monitor 集群健康监控器
type Monitor struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu       sync.RWMutex
	clusters map[string]*clusterState

	viewMu sync.RWMutex
	view   map[string]Reachability // 对外发布的状态，不受投递锁影响

	subMu   sync.RWMutex
	subs    map[int]func(StatusChange)
	nextSub int
}

// ==================== 构造 ====================

// NewMonitor 创建健康监控器
func NewMonitor(cfg Config, log *zap.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureThreshold > cfg.Window {
		cfg.Window = cfg.FailureThreshold
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = 5 * time.Minute
	}
	if cfg.ExpectedInterval <= 0 {
		cfg.ExpectedInterval = 10 * time.Second
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}

	return &Monitor{
		cfg:      cfg,
		log:      logger.OrNop(log).Named("health"),
		now:      time.Now,
		clusters: make(map[string]*clusterState),
		view:     make(map[string]Reachability),
		subs:     make(map[int]func(StatusChange)),
	}
}

// SetClock 替换时钟，用于测试
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// ==================== 公共方法 ====================

// Track 开始监控集群；从此刻起计算错过的样本
func (m *Monitor) Track(clusterID string) {
	m.getOrCreate(clusterID)
}

// Observe 接收一个健康样本
func (m *Monitor) Observe(s Sample) error {
	if s.ClusterID == "" || s.Timestamp.IsZero() {
		return ErrInvalidSample
	}

	now := m.now()
	if now.Sub(s.Timestamp) > m.cfg.SampleTTL {
		metrics.ObserveSample(metrics.SampleExpired)
		m.log.Debug("丢弃过期样本", zap.String("cluster", s.ClusterID), zap.Time("timestamp", s.Timestamp))
		return ErrExpiredSample
	}
	if s.Timestamp.Sub(now) > m.cfg.ClockSkew {
		metrics.ObserveSample(metrics.SampleFuture)
		m.log.Warn("丢弃时间戳超前的样本", zap.String("cluster", s.ClusterID), zap.Time("timestamp", s.Timestamp))
		return ErrFutureSample
	}

	st := m.getOrCreate(s.ClusterID)
	st.mu.Lock()

	if !s.Timestamp.After(st.lastTimestamp) {
		st.mu.Unlock()
		metrics.ObserveSample(metrics.SampleStale)
		m.log.Warn("丢弃乱序样本",
			zap.String("cluster", s.ClusterID),
			zap.Time("timestamp", s.Timestamp),
			zap.Time("latest", st.lastTimestamp))
		return ErrStaleSample
	}
	metrics.ObserveSample(metrics.SampleAccepted)

	st.lastTimestamp = s.Timestamp
	st.lastSeen = now
	st.window = append(st.window, s)
	st.prune(m.cfg.Window, now.Add(-m.cfg.SampleTTL))

	// 连续失败数只看窗口内仍有效的样本
	next := st.status
	reason := ""
	if s.Reachable {
		next = StatusReachable
		reason = "sample succeeded"
	} else if st.failureStreak() >= m.cfg.FailureThreshold {
		next = StatusUnreachable
		reason = "consecutive failed samples"
	}

	m.transition(s.ClusterID, st, next, s.Timestamp, reason)
	return nil
}

// Sweep 将长时间没有样本的集群标记为不可达
func (m *Monitor) Sweep() {
	now := m.now()
	deadline := time.Duration(m.cfg.FailureThreshold) * m.cfg.ExpectedInterval

	for _, id := range m.trackedIDs() {
		st := m.getOrCreate(id)
		st.mu.Lock()
		if st.status == StatusUnreachable || now.Sub(st.lastSeen) < deadline {
			st.mu.Unlock()
			continue
		}
		st.prune(m.cfg.Window, now.Add(-m.cfg.SampleTTL))
		m.transition(id, st, StatusUnreachable, now, "missed samples")
	}
}

// Run 周期性执行 Sweep，直到 ctx 结束
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.ExpectedInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// CurrentStatus 查询集群当前可达性
func (m *Monitor) CurrentStatus(clusterID string) Reachability {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()

	status, ok := m.view[clusterID]
	if !ok {
		return StatusUnknown
	}
	return status
}

// Subscribe 订阅可达性变化，返回取消订阅函数
// 回调在通知方 goroutine 中执行，不得对同一集群调用 Observe
func (m *Monitor) Subscribe(fn func(StatusChange)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Get 获取单个集群的健康快照
func (m *Monitor) Get(clusterID string) (*ClusterHealth, error) {
	m.mu.RLock()
	st, ok := m.clusters[clusterID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUntracked
	}
	return st.snapshot(clusterID), nil
}

// Snapshot 获取所有集群的健康快照（按 ID 排序）
func (m *Monitor) Snapshot() []*ClusterHealth {
	ids := m.trackedIDs()
	out := make([]*ClusterHealth, 0, len(ids))
	for _, id := range ids {
		if h, err := m.Get(id); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// ==================== 私有方法 ====================

// transition 必须在持有 st.mu 时调用，返回前释放 st.mu
// 状态变化时先取得投递锁再释放状态锁，保证同一集群的通知不会乱序
func (m *Monitor) transition(clusterID string, st *clusterState, next Reachability, at time.Time, reason string) {
	prev := st.status
	if next == prev {
		st.mu.Unlock()
		return
	}
	st.status = next

	m.viewMu.Lock()
	m.view[clusterID] = next
	m.viewMu.Unlock()

	change := StatusChange{
		ClusterID: clusterID,
		From:      prev,
		To:        next,
		Timestamp: at,
		Reason:    reason,
	}

	st.deliver.Lock()
	st.mu.Unlock()
	defer st.deliver.Unlock()

	metrics.ObserveTransition(clusterID, string(next), next == StatusReachable)
	m.log.Info("集群可达性变化",
		zap.String("cluster", clusterID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason))

	m.subMu.RLock()
	subs := make([]func(StatusChange), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

func (m *Monitor) getOrCreate(clusterID string) *clusterState {
	m.mu.RLock()
	st, ok := m.clusters[clusterID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.clusters[clusterID]; ok {
		return st
	}
	st = &clusterState{
		status:   StatusUnknown,
		lastSeen: m.now(),
		window:   make([]Sample, 0, m.cfg.Window),
	}
	m.clusters[clusterID] = st
	return st
}

func (m *Monitor) trackedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.clusters))
	for id := range m.clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// failureStreak 窗口末尾连续失败的样本数
func (st *clusterState) failureStreak() int {
	n := 0
	for i := len(st.window) - 1; i >= 0 && !st.window[i].Reachable; i-- {
		n++
	}
	return n
}

// prune 保留最近 size 个且未过期的样本
func (st *clusterState) prune(size int, expireBefore time.Time) {
	start := 0
	for start < len(st.window) && st.window[start].Timestamp.Before(expireBefore) {
		start++
	}
	if n := len(st.window) - start; n > size {
		start += n - size
	}
	if start > 0 {
		st.window = append(st.window[:0], st.window[start:]...)
	}
}

func (st *clusterState) snapshot(clusterID string) *ClusterHealth {
	st.mu.Lock()
	defer st.mu.Unlock()

	h := &ClusterHealth{
		ClusterID:           clusterID,
		Status:              st.status,
		ConsecutiveFailures: st.failureStreak(),
		LastSampleAt:        st.lastTimestamp,
		LastSeenAt:          st.lastSeen,
		Window:              append([]Sample(nil), st.window...),
	}
	if len(st.window) > 0 {
		ok := 0
		for _, s := range st.window {
			if s.Reachable {
				ok++
			}
		}
		h.SuccessRate = float64(ok) / float64(len(st.window)) * 100
	}
	return h
}
