package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/device"
	"github.com/Mieluoxxx/cvp-standby/internal/dispatcher"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/Mieluoxxx/cvp-standby/internal/logger"
	"github.com/Mieluoxxx/cvp-standby/internal/metrics"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"go.uber.org/zap"
)

// ==================== 类型定义 ====================

var (
	// ErrRestoreRequired 设备尚未绑定到目标集群，需要先从备份恢复注册关系
	ErrRestoreRequired = errors.New("restore required: device not bound to target cluster")
	// ErrUnmanaged 设备处于双故障状态，只能通过 Resolve 处理
	ErrUnmanaged = errors.New("device is unmanaged")
	// ErrNotUnmanaged Resolve 的目标设备不在双故障状态
	ErrNotUnmanaged = errors.New("device is not unmanaged")
	// ErrNoOperation 没有进行中的运维命令
	ErrNoOperation = errors.New("no operation in flight")
	// ErrOperationInFlight 已有运维命令在执行
	ErrOperationInFlight = errors.New("another operation is in flight")
	// ErrTargetUnreachable 目标集群不可达
	ErrTargetUnreachable = errors.New("target cluster is unreachable")
	// ErrInvalidTarget 目标集群角色与命令不符
	ErrInvalidTarget = errors.New("invalid target cluster")
)

// ClusterStore 集群注册表中协调器需要的能力
type ClusterStore interface {
	GetCluster(id string) (*models.Cluster, error)
	SetStatus(id string, status models.ClusterStatus) error
	Pair(region string) (*cluster.Pair, error)
	Regions() []string
}

// DeviceStore 设备注册表中协调器需要的能力
type DeviceStore interface {
	Get(id string) (*models.Device, error)
	List() []*models.Device
	ListByRegion(region string) []*models.Device
}

// EventLog 审计与告警
type EventLog interface {
	RecordFailover(ctx context.Context, event *models.FailoverEvent) error
	LogInfo(eventType, message string, metadata map[string]interface{}) error
	LogWarning(eventType, message string, metadata map[string]interface{}) error
	LogError(eventType, message string, metadata map[string]interface{}) error
	LogCritical(eventType, message string, metadata map[string]interface{}) error
}

// Config 协调器参数
type Config struct {
	StabilityPeriod    time.Duration // 主集群恢复后需要保持可达的时长
	EvaluationInterval time.Duration // 稳定期计时的检查间隔
}

// Command 运维命令
type Command struct {
	Target    string   `json:"target"`
	DeviceIDs []string `json:"device_ids,omitempty"` // 为空表示区域内所有符合条件的设备
	Reason    string   `json:"reason,omitempty"`
	Force     bool     `json:"force,omitempty"` // Restore 时跳过稳定期，允许 FailedOver 设备直接回切
}

// DeviceStatus 设备切换状态视图
type DeviceStatus struct {
	DeviceID  string           `json:"device_id"`
	Region    string           `json:"region"`
	State     models.PairState `json:"state"`
	Since     time.Time        `json:"since"`
	Authority string           `json:"provisioning_authority"`
}

type deviceState struct {
	State models.PairState
	Since time.Time
}

// Coordinator 故障切换协调器
// 同一设备的决策按设备锁串行，不同设备之间并行
type Coordinator struct {
	cfg        Config
	clusters   ClusterStore
	devices    DeviceStore
	dispatcher *dispatcher.Dispatcher
	events     EventLog
	store      *StateStore // 为空时不持久化
	log        *zap.Logger
	now        func() time.Time

	locks *keyedMutex

	mu               sync.RWMutex
	states           map[string]deviceState
	reach            map[string]health.Reachability
	primaryBackSince map[string]time.Time // region -> 主集群恢复可达的时间

	opMu    sync.Mutex
	current *dispatcher.Operation
}

// ==================== 构造 ====================

// New 创建协调器
func New(cfg Config, clusters ClusterStore, devices DeviceStore, d *dispatcher.Dispatcher, events EventLog, store *StateStore, log *zap.Logger) *Coordinator {
	if cfg.StabilityPeriod <= 0 {
		cfg.StabilityPeriod = 2 * time.Minute
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = 10 * time.Second
	}

	return &Coordinator{
		cfg:              cfg,
		clusters:         clusters,
		devices:          devices,
		dispatcher:       d,
		events:           events,
		store:            store,
		log:              logger.OrNop(log).Named("failover"),
		now:              time.Now,
		locks:            newKeyedMutex(),
		states:           make(map[string]deviceState),
		reach:            make(map[string]health.Reachability),
		primaryBackSince: make(map[string]time.Time),
	}
}

// SetClock 替换时钟，用于测试
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Load 恢复设备状态；没有持久化记录的设备根据当前配置权推导
func (c *Coordinator) Load() error {
	if c.store != nil {
		rows, err := c.store.FindAll()
		if err != nil {
			return fmt.Errorf("加载设备状态失败: %w", err)
		}
		c.mu.Lock()
		for _, row := range rows {
			c.states[row.DeviceID] = deviceState{State: row.State, Since: row.Since}
		}
		c.mu.Unlock()
	}

	for _, d := range c.devices.List() {
		pair, err := c.clusters.Pair(d.Region)
		if err != nil {
			continue
		}
		c.mu.Lock()
		if _, ok := c.states[d.ID]; !ok {
			c.states[d.ID] = deviceState{State: deriveState(d, pair), Since: c.now()}
		}
		c.mu.Unlock()
	}

	c.refreshMetrics()
	return nil
}

// ==================== 健康事件 ====================

// HandleStatusChange 处理健康监控器的可达性变化
func (c *Coordinator) HandleStatusChange(change health.StatusChange) {
	ctx := context.Background()

	cl, err := c.clusters.GetCluster(change.ClusterID)
	if err != nil {
		c.log.Warn("忽略未注册集群的状态变化", zap.String("cluster", change.ClusterID))
		return
	}

	c.mu.Lock()
	c.reach[cl.ID] = change.To
	if cl.Role == models.RolePrimary {
		switch change.To {
		case health.StatusReachable:
			if _, ok := c.primaryBackSince[cl.Region]; !ok {
				c.primaryBackSince[cl.Region] = c.now()
			}
		case health.StatusUnreachable:
			delete(c.primaryBackSince, cl.Region)
		}
	}
	c.mu.Unlock()

	_ = c.events.LogInfo(models.EventTypeHealthTransition,
		fmt.Sprintf("集群 %s 可达性变化: %s -> %s", cl.ID, change.From, change.To),
		map[string]interface{}{"cluster": cl.ID, "region": cl.Region, "reason": change.Reason})

	pair, err := c.clusters.Pair(cl.Region)
	if err != nil {
		c.log.Warn("区域缺少主集群", zap.String("region", cl.Region), zap.Error(err))
		return
	}

	switch {
	case cl.Role == models.RolePrimary && change.To == health.StatusUnreachable:
		c.onPrimaryDown(ctx, pair)
	case cl.Role == models.RolePrimary && change.To == health.StatusReachable:
		c.onPrimaryUp(pair)
	case cl.Role == models.RoleSecondary && change.To == health.StatusUnreachable:
		c.onSecondaryDown(pair, cl)
	}

	c.syncClusterStatus(pair.Region)
	c.refreshMetrics()
}

func (c *Coordinator) onPrimaryDown(ctx context.Context, pair *cluster.Pair) {
	devices, unlock := c.lockRegion(pair.Region)
	defer unlock()

	var degraded []*models.Device
	for _, d := range devices {
		switch c.stateOf(d, pair).State {
		case models.StateNormal, models.StateRestored:
			c.setState(d.ID, models.StateDegraded)
			degraded = append(degraded, d)
		case models.StateDegraded:
			degraded = append(degraded, d)
		case models.StateRecovering:
			// 恢复期内再次失联，配置权仍在备集群
			c.setState(d.ID, models.StateFailedOver)
		}
	}

	c.markDoubleFaults(pair, devices)

	var pending []*models.Device
	for _, d := range degraded {
		if c.stateOf(d, pair).State == models.StateDegraded {
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return
	}

	if pair.Mode == models.ModeGold {
		_ = c.events.LogWarning(models.EventTypeDegraded,
			fmt.Sprintf("主集群 %s 不可达，%d 台设备等待人工激活备集群", pair.Primary.ID, len(pending)),
			map[string]interface{}{"region": pair.Region, "cluster": pair.Primary.ID, "device_ids": deviceIDs(pending)})
		return
	}

	_ = c.events.LogWarning(models.EventTypeDegraded,
		fmt.Sprintf("主集群 %s 不可达，%d 台设备自动切换", pair.Primary.ID, len(pending)),
		map[string]interface{}{"region": pair.Region, "cluster": pair.Primary.ID, "device_ids": deviceIDs(pending)})
	c.promoteAutomatic(ctx, pair, pending)
}

func (c *Coordinator) onPrimaryUp(pair *cluster.Pair) {
	devices, unlock := c.lockRegion(pair.Region)
	defer unlock()

	var recovered []string
	for _, d := range devices {
		// 尚未切换的设备直接回到正常状态
		if c.stateOf(d, pair).State == models.StateDegraded {
			c.setState(d.ID, models.StateNormal)
			recovered = append(recovered, d.ID)
		}
	}
	if len(recovered) > 0 {
		_ = c.events.LogInfo(models.EventTypeHealthTransition,
			fmt.Sprintf("主集群 %s 恢复，%d 台设备未发生切换", pair.Primary.ID, len(recovered)),
			map[string]interface{}{"region": pair.Region, "device_ids": recovered})
	}
}

func (c *Coordinator) onSecondaryDown(pair *cluster.Pair, secondary *models.Cluster) {
	devices, unlock := c.lockRegion(pair.Region)
	defer unlock()

	if c.reachability(pair.Primary.ID) != health.StatusUnreachable {
		_ = c.events.LogWarning(models.EventTypeHealthTransition,
			fmt.Sprintf("备集群 %s 不可达", secondary.ID),
			map[string]interface{}{"region": pair.Region, "cluster": secondary.ID})
		return
	}
	c.markDoubleFaults(pair, devices)
}

// markDoubleFaults 主集群不可达时，把失去所有可用集群的设备标记为 Unmanaged
// 调用方持有这些设备的锁
func (c *Coordinator) markDoubleFaults(pair *cluster.Pair, devices []*models.Device) {
	if c.reachability(pair.Primary.ID) != health.StatusUnreachable {
		return
	}

	var hit []string
	for _, d := range devices {
		switch c.stateOf(d, pair).State {
		case models.StateFailedOver:
			if d.Authority != "" && c.reachability(d.Authority) == health.StatusUnreachable {
				hit = append(hit, d.ID)
			}
		case models.StateDegraded:
			// gold 备集群平时就是关机状态，未激活前不算双故障
			// 尚未注册到任何备集群的设备只能等待恢复，不算双故障
			if pair.Mode == models.ModeWarm && c.boundToSecondary(pair, d) && c.promotionTarget(pair, d) == nil {
				hit = append(hit, d.ID)
			}
		}
	}
	if len(hit) == 0 {
		return
	}

	for _, id := range hit {
		c.setState(id, models.StateUnmanaged)
	}
	c.log.Error("主备集群均不可达，设备进入 unmanaged",
		zap.String("region", pair.Region),
		zap.Strings("devices", hit))
	_ = c.events.LogCritical(models.EventTypeDoubleFault,
		fmt.Sprintf("区域 %s 主备集群均不可达，%d 台设备需要人工介入", pair.Region, len(hit)),
		map[string]interface{}{"region": pair.Region, "device_ids": hit})
}

// promoteAutomatic 按设备各自绑定的可达备集群分组迁移
// 没有可用目标的设备保持 Degraded，由 Evaluate 重试
func (c *Coordinator) promoteAutomatic(ctx context.Context, pair *cluster.Pair, devices []*models.Device) {
	groups := make(map[string][]string)
	var waiting []string
	for _, d := range devices {
		target := c.promotionTarget(pair, d)
		if target == nil {
			waiting = append(waiting, d.ID)
			continue
		}
		groups[target.ID] = append(groups[target.ID], d.ID)
	}
	if len(waiting) > 0 {
		c.log.Warn("设备没有可用的备集群，保持降级",
			zap.String("region", pair.Region),
			zap.Strings("devices", waiting))
	}

	targets := make([]string, 0, len(groups))
	for id := range groups {
		targets = append(targets, id)
	}
	sort.Strings(targets)

	for _, target := range targets {
		result, err := c.dispatcher.ApplyFailover(ctx, groups[target], target)
		if err != nil {
			c.log.Error("自动切换失败", zap.String("region", pair.Region), zap.String("target", target), zap.Error(err))
			continue
		}
		c.finishDispatch(ctx, pair, result, models.StateFailedOver, pair.Primary.ID, models.TriggerAutomatic, "primary unreachable")
	}
}

// ==================== 稳定期计时 ====================

// Evaluate 推进依赖稳定期的状态迁移
func (c *Coordinator) Evaluate(ctx context.Context) {
	for _, region := range c.clusters.Regions() {
		pair, err := c.clusters.Pair(region)
		if err != nil {
			continue
		}
		c.evaluateRegion(ctx, pair)
		c.syncClusterStatus(region)
	}
	c.refreshMetrics()
}

func (c *Coordinator) evaluateRegion(ctx context.Context, pair *cluster.Pair) {
	now := c.now()
	primaryReach := c.reachability(pair.Primary.ID)

	c.mu.RLock()
	backSince, back := c.primaryBackSince[pair.Region]
	c.mu.RUnlock()
	stable := primaryReach == health.StatusReachable && back && now.Sub(backSince) >= c.cfg.StabilityPeriod

	devices, unlock := c.lockRegion(pair.Region)
	defer unlock()

	restore := make(map[string][]string)
	var retry []*models.Device
	for _, d := range devices {
		st := c.stateOf(d, pair)
		switch st.State {
		case models.StateDegraded:
			if pair.Mode == models.ModeWarm && primaryReach == health.StatusUnreachable && c.promotionTarget(pair, d) != nil {
				retry = append(retry, d)
			}
		case models.StateFailedOver:
			if stable {
				c.setState(d.ID, models.StateRecovering)
			}
		case models.StateRecovering:
			if primaryReach == health.StatusUnreachable {
				c.setState(d.ID, models.StateFailedOver)
				continue
			}
			if pair.Mode == models.ModeWarm && now.Sub(st.Since) >= c.cfg.StabilityPeriod {
				restore[d.Authority] = append(restore[d.Authority], d.ID)
			}
		}
	}

	if len(retry) > 0 {
		c.promoteAutomatic(ctx, pair, retry)
	}

	for from, ids := range restore {
		result, err := c.dispatcher.ApplyFailover(ctx, ids, pair.Primary.ID)
		if err != nil {
			c.log.Error("自动回切失败", zap.String("region", pair.Region), zap.Error(err))
			continue
		}
		c.finishDispatch(ctx, pair, result, models.StateRestored, from, models.TriggerAutomatic, "primary stable")
	}
}

// Run 周期性执行 Evaluate，直到 ctx 结束
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Evaluate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ==================== 运维命令 ====================

// Promote 人工将降级设备的配置权交给备集群
// 任一设备未绑定到目标时整个命令被拒绝，不做任何修改
func (c *Coordinator) Promote(ctx context.Context, cmd Command) (*dispatcher.Result, error) {
	target, pair, err := c.commandTarget(cmd.Target, models.RoleSecondary)
	if err != nil {
		return nil, err
	}

	op, release, err := c.beginOperation()
	if err != nil {
		return nil, err
	}
	defer release()

	devices, unlock := c.lockRegion(pair.Region)
	defer unlock()

	selected, err := c.selectDevices(devices, cmd.DeviceIDs, pair, models.StateDegraded)
	if err != nil {
		return nil, err
	}
	if err := requireBindings(selected, target.ID); err != nil {
		return nil, err
	}

	result, err := c.dispatcher.ApplyOperation(ctx, op, deviceIDs(selected), target.ID)
	if err != nil {
		c.log.Info("提升命令被取消", zap.String("target", target.ID), zap.Error(err))
		return nil, err
	}
	c.finishDispatch(ctx, pair, result, models.StateFailedOver, pair.Primary.ID, models.TriggerManual, reasonOr(cmd.Reason, "operator promote"))
	c.logCommand("promote", target.ID, result)

	c.syncClusterStatus(pair.Region)
	c.refreshMetrics()
	return result, nil
}

// Restore 人工将配置权归还主集群
func (c *Coordinator) Restore(ctx context.Context, cmd Command) (*dispatcher.Result, error) {
	target, pair, err := c.commandTarget(cmd.Target, models.RolePrimary)
	if err != nil {
		return nil, err
	}

	op, release, err := c.beginOperation()
	if err != nil {
		return nil, err
	}
	defer release()

	devices, unlock := c.lockRegion(pair.Region)
	defer unlock()

	eligible := []models.PairState{models.StateRecovering}
	if cmd.Force {
		eligible = append(eligible, models.StateFailedOver)
	}
	selected, err := c.selectDevices(devices, cmd.DeviceIDs, pair, eligible...)
	if err != nil {
		return nil, err
	}
	if err := requireBindings(selected, target.ID); err != nil {
		return nil, err
	}

	from := ""
	for _, d := range selected {
		if d.Authority != "" && d.Authority != target.ID {
			from = d.Authority
			break
		}
	}

	result, err := c.dispatcher.ApplyOperation(ctx, op, deviceIDs(selected), target.ID)
	if err != nil {
		c.log.Info("回切命令被取消", zap.String("target", target.ID), zap.Error(err))
		return nil, err
	}
	c.finishDispatch(ctx, pair, result, models.StateRestored, from, models.TriggerManual, reasonOr(cmd.Reason, "operator restore"))
	c.logCommand("restore", target.ID, result)

	c.syncClusterStatus(pair.Region)
	c.refreshMetrics()
	return result, nil
}

// Resolve 人工为 Unmanaged 设备指定配置权归属
func (c *Coordinator) Resolve(ctx context.Context, deviceID, clusterID, reason string) (*dispatcher.Result, error) {
	d, err := c.devices.Get(deviceID)
	if err != nil {
		return nil, err
	}
	target, err := c.clusters.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if target.Region != d.Region {
		return nil, fmt.Errorf("%w: cluster %s is not in region %s", device.ErrRegionMismatch, clusterID, d.Region)
	}
	if c.reachability(target.ID) == health.StatusUnreachable {
		return nil, fmt.Errorf("%w: %s", ErrTargetUnreachable, target.ID)
	}
	pair, err := c.clusters.Pair(d.Region)
	if err != nil {
		return nil, err
	}

	op, release, err := c.beginOperation()
	if err != nil {
		return nil, err
	}
	defer release()

	unlock := c.locks.LockAll([]string{deviceID})
	defer unlock()

	if d, err = c.devices.Get(deviceID); err != nil {
		return nil, err
	}
	if c.stateOf(d, pair).State != models.StateUnmanaged {
		return nil, fmt.Errorf("%w: %s", ErrNotUnmanaged, deviceID)
	}
	if err := requireBindings([]*models.Device{d}, target.ID); err != nil {
		return nil, err
	}

	result, err := c.dispatcher.ApplyOperation(ctx, op, []string{deviceID}, target.ID)
	if err != nil {
		return nil, err
	}
	if len(result.Failures) > 0 {
		return result, fmt.Errorf("resolve %s: %s", deviceID, result.Failures[0].Reason)
	}

	next := models.StateFailedOver
	if target.Role == models.RolePrimary {
		next = models.StateNormal
	}
	c.finishDispatch(ctx, pair, result, next, d.Authority, models.TriggerManual, reasonOr(reason, "operator resolved double fault"))
	c.logCommand("resolve", target.ID, result)

	c.syncClusterStatus(pair.Region)
	c.refreshMetrics()
	return result, nil
}

// Cancel 取消尚未提交的运维命令
func (c *Coordinator) Cancel() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current == nil {
		return ErrNoOperation
	}
	if err := c.current.Cancel(); err != nil {
		return err
	}
	c.log.Info("运维命令已取消", zap.String("operation", c.current.ID))
	_ = c.events.LogInfo(models.EventTypeOperatorCommand, "运维命令已取消",
		map[string]interface{}{"operation": c.current.ID})
	return nil
}

// ==================== 查询 ====================

// State 查询单台设备的切换状态
func (c *Coordinator) State(deviceID string) (*DeviceStatus, error) {
	d, err := c.devices.Get(deviceID)
	if err != nil {
		return nil, err
	}
	pair, err := c.clusters.Pair(d.Region)
	if err != nil {
		return nil, err
	}
	st := c.stateOf(d, pair)
	return &DeviceStatus{
		DeviceID:  d.ID,
		Region:    d.Region,
		State:     st.State,
		Since:     st.Since,
		Authority: d.Authority,
	}, nil
}

// States 列出设备切换状态，region 为空表示全部
func (c *Coordinator) States(region string) []*DeviceStatus {
	var devices []*models.Device
	if region == "" {
		devices = c.devices.List()
	} else {
		devices = c.devices.ListByRegion(region)
	}

	pairs := make(map[string]*cluster.Pair)
	out := make([]*DeviceStatus, 0, len(devices))
	for _, d := range devices {
		pair, ok := pairs[d.Region]
		if !ok {
			p, err := c.clusters.Pair(d.Region)
			if err != nil {
				continue
			}
			pair, pairs[d.Region] = p, p
		}
		st := c.stateOf(d, pair)
		out = append(out, &DeviceStatus{
			DeviceID:  d.ID,
			Region:    d.Region,
			State:     st.State,
			Since:     st.Since,
			Authority: d.Authority,
		})
	}
	return out
}

// ==================== 私有方法 ====================

// lockRegion 锁住区域内所有设备并返回锁内读取的最新视图
func (c *Coordinator) lockRegion(region string) ([]*models.Device, func()) {
	listed := c.devices.ListByRegion(region)
	unlock := c.locks.LockAll(deviceIDs(listed))

	fresh := make([]*models.Device, 0, len(listed))
	for _, d := range listed {
		if cur, err := c.devices.Get(d.ID); err == nil {
			fresh = append(fresh, cur)
		}
	}
	return fresh, unlock
}

func (c *Coordinator) stateOf(d *models.Device, pair *cluster.Pair) deviceState {
	c.mu.RLock()
	st, ok := c.states[d.ID]
	c.mu.RUnlock()
	if ok {
		return st
	}
	return deviceState{State: deriveState(d, pair), Since: c.now()}
}

func (c *Coordinator) setState(deviceID string, state models.PairState) {
	now := c.now()

	c.mu.Lock()
	prev, ok := c.states[deviceID]
	if ok && prev.State == state {
		c.mu.Unlock()
		return
	}
	c.states[deviceID] = deviceState{State: state, Since: now}
	c.mu.Unlock()

	c.log.Debug("设备状态变化",
		zap.String("device", deviceID),
		zap.String("from", string(prev.State)),
		zap.String("to", string(state)))

	if c.store != nil {
		if err := c.store.Save(deviceID, state, now); err != nil {
			c.log.Error("保存设备状态失败", zap.String("device", deviceID), zap.Error(err))
		}
	}
}

// reachability 优先使用健康监控的结论，缺失时参考注册表状态
func (c *Coordinator) reachability(clusterID string) health.Reachability {
	c.mu.RLock()
	r, ok := c.reach[clusterID]
	c.mu.RUnlock()
	if ok {
		return r
	}
	if cl, err := c.clusters.GetCluster(clusterID); err == nil && cl.Status == models.StatusUnreachable {
		return health.StatusUnreachable
	}
	return health.StatusUnknown
}

// promotionTarget 设备已注册且未判定不可达的第一个备集群
func (c *Coordinator) promotionTarget(pair *cluster.Pair, d *models.Device) *models.Cluster {
	for _, cl := range pair.Other(pair.Primary.ID) {
		if d.IsBound(cl.ID) && c.reachability(cl.ID) != health.StatusUnreachable {
			return cl
		}
	}
	return nil
}

func (c *Coordinator) boundToSecondary(pair *cluster.Pair, d *models.Device) bool {
	for _, cl := range pair.Other(pair.Primary.ID) {
		if d.IsBound(cl.ID) {
			return true
		}
	}
	return false
}

func (c *Coordinator) commandTarget(targetID string, role models.ClusterRole) (*models.Cluster, *cluster.Pair, error) {
	target, err := c.clusters.GetCluster(targetID)
	if err != nil {
		return nil, nil, err
	}
	if target.Role != role {
		return nil, nil, fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTarget, target.ID, target.Role, role)
	}
	if c.reachability(target.ID) == health.StatusUnreachable {
		return nil, nil, fmt.Errorf("%w: %s", ErrTargetUnreachable, target.ID)
	}
	pair, err := c.clusters.Pair(target.Region)
	if err != nil {
		return nil, nil, err
	}
	return target, pair, nil
}

// selectDevices 选出处于 eligible 状态的设备；指定了设备 ID 时只在其中选择
func (c *Coordinator) selectDevices(devices []*models.Device, wanted []string, pair *cluster.Pair, eligible ...models.PairState) ([]*models.Device, error) {
	byID := make(map[string]*models.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	candidates := devices
	if len(wanted) > 0 {
		candidates = make([]*models.Device, 0, len(wanted))
		for _, id := range wanted {
			d, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s is not in region %s", device.ErrUnknownDevice, id, pair.Region)
			}
			if c.stateOf(d, pair).State == models.StateUnmanaged {
				return nil, fmt.Errorf("%w: %s", ErrUnmanaged, id)
			}
			candidates = append(candidates, d)
		}
	}

	var selected []*models.Device
	for _, d := range candidates {
		state := c.stateOf(d, pair).State
		for _, s := range eligible {
			if state == s {
				selected = append(selected, d)
				break
			}
		}
	}
	return selected, nil
}

func (c *Coordinator) beginOperation() (*dispatcher.Operation, func(), error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current != nil {
		return nil, nil, ErrOperationInFlight
	}
	op := dispatcher.NewOperation()
	c.current = op

	return op, func() {
		c.opMu.Lock()
		if c.current == op {
			c.current = nil
		}
		c.opMu.Unlock()
	}, nil
}

// inFlight 当前运维命令，测试用
func (c *Coordinator) inFlight() *dispatcher.Operation {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.current
}

// finishDispatch 根据迁移结果更新状态并记录审计事件
func (c *Coordinator) finishDispatch(ctx context.Context, pair *cluster.Pair, result *dispatcher.Result, next models.PairState, from string, trigger models.Trigger, reason string) {
	for _, id := range result.Succeeded() {
		c.setState(id, next)
	}

	if result.Changed() {
		event := &models.FailoverEvent{
			Region:      pair.Region,
			FromCluster: from,
			ToCluster:   result.Target,
			DeviceIDs:   result.Applied,
			TriggeredBy: trigger,
			Reason:      reason,
			Timestamp:   c.now(),
		}
		if err := c.events.RecordFailover(ctx, event); err != nil {
			c.log.Error("记录切换事件失败", zap.Error(err))
		}
	}

	if len(result.Failures) > 0 {
		failed := make([]string, 0, len(result.Failures))
		for _, f := range result.Failures {
			failed = append(failed, f.DeviceID)
		}
		_ = c.events.LogError(models.EventTypeDispatchFailure,
			fmt.Sprintf("%d 台设备迁移到 %s 失败", len(failed), result.Target),
			map[string]interface{}{"region": pair.Region, "device_ids": failed, "failures": result.Failures})
	}
}

func (c *Coordinator) logCommand(name, target string, result *dispatcher.Result) {
	_ = c.events.LogInfo(models.EventTypeOperatorCommand,
		fmt.Sprintf("%s -> %s: %s", name, target, result),
		map[string]interface{}{"operation": result.OperationID, "command": name, "target": target})
}

// syncClusterStatus 根据可达性与配置权分布刷新注册表中的集群状态
func (c *Coordinator) syncClusterStatus(region string) {
	pair, err := c.clusters.Pair(region)
	if err != nil {
		return
	}

	holders := make(map[string]int)
	for _, d := range c.devices.ListByRegion(region) {
		if d.Authority != "" {
			holders[d.Authority]++
		}
	}

	set := func(cl *models.Cluster, status models.ClusterStatus) {
		if cl.Status == status {
			return
		}
		if err := c.clusters.SetStatus(cl.ID, status); err != nil {
			c.log.Error("更新集群状态失败", zap.String("cluster", cl.ID), zap.Error(err))
		}
	}

	elsewhere := 0
	for _, s := range pair.Secondaries {
		elsewhere += holders[s.ID]
	}

	switch {
	case c.reachability(pair.Primary.ID) == health.StatusUnreachable:
		set(pair.Primary, models.StatusUnreachable)
	case elsewhere > 0:
		set(pair.Primary, models.StatusStandbyWarm)
	default:
		set(pair.Primary, models.StatusActive)
	}

	for _, s := range pair.Secondaries {
		switch {
		case holders[s.ID] > 0 && c.reachability(s.ID) != health.StatusUnreachable:
			set(s, models.StatusActive)
		case holders[s.ID] > 0:
			set(s, models.StatusUnreachable)
		case pair.Mode == models.ModeGold:
			set(s, models.StatusStandbyCold)
		case c.reachability(s.ID) == health.StatusUnreachable:
			set(s, models.StatusUnreachable)
		default:
			set(s, models.StatusStandbyWarm)
		}
	}
}

func (c *Coordinator) refreshMetrics() {
	counts := make(map[string]int)
	for _, st := range c.States("") {
		counts[string(st.State)]++
	}
	metrics.SetDeviceStates(counts)
}

// deriveState 没有持久化状态时，根据配置权位置推导
func deriveState(d *models.Device, pair *cluster.Pair) models.PairState {
	if d.Authority != "" && pair.Primary != nil && d.Authority != pair.Primary.ID {
		return models.StateFailedOver
	}
	return models.StateNormal
}

func requireBindings(devices []*models.Device, target string) error {
	var missing []string
	for _, d := range devices {
		if !d.IsBound(target) {
			missing = append(missing, d.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrRestoreRequired, strings.Join(missing, ", "))
}

func deviceIDs(devices []*models.Device) []string {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
