package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
)

var (
	// ErrUnknownDevice 设备不存在
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceExists 设备 ID 已注册
	ErrDeviceExists = errors.New("device already registered")
	// ErrInvalidDevice 设备字段不合法
	ErrInvalidDevice = errors.New("invalid device")
	// ErrNotBound 设备未绑定到目标集群
	ErrNotBound = errors.New("device not bound to cluster")
	// ErrCapacityExceeded 超出部署模式允许的绑定数
	ErrCapacityExceeded = errors.New("binding capacity exceeded")
	// ErrRegionMismatch 集群与设备不在同一区域
	ErrRegionMismatch = errors.New("cluster region does not match device region")
	// ErrInvariantViolation 配置权不属于已绑定集群
	ErrInvariantViolation = errors.New("invariant violation")
)

// ClusterLookup 集群查询接口
type ClusterLookup interface {
	GetCluster(id string) (*models.Cluster, error)
}

// entry 单台设备及其互斥锁
type entry struct {
	mu     sync.Mutex
	device *models.Device
}

// Registry 设备注册表
// 每台设备一把锁，配置权替换在同一临界区内完成
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*entry
	clusters ClusterLookup
	repo     *Repository // 为空时只保存在内存
}

// NewRegistry 创建设备注册表
func NewRegistry(clusters ClusterLookup, repo *Repository) *Registry {
	return &Registry{
		devices:  make(map[string]*entry),
		clusters: clusters,
		repo:     repo,
	}
}

// Load 从持久化存储恢复注册表
func (r *Registry) Load() error {
	if r.repo == nil {
		return nil
	}
	devices, err := r.repo.FindAll()
	if err != nil {
		return fmt.Errorf("加载设备失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		if d.Authority != "" && !d.IsBound(d.Authority) {
			return fmt.Errorf("%w: device %s authority %s is not bound", ErrInvariantViolation, d.ID, d.Authority)
		}
		r.devices[d.ID] = &entry{device: d}
	}
	return nil
}

// Register 注册设备，可同时携带初始绑定与配置权
func (r *Registry) Register(d *models.Device) error {
	if d == nil || d.ID == "" || d.Region == "" {
		return fmt.Errorf("%w: id and region are required", ErrInvalidDevice)
	}

	bound := make([]string, 0, len(d.BoundClusters))
	seen := make(map[string]struct{})
	limit := 0
	for _, clusterID := range d.BoundClusters {
		if _, dup := seen[clusterID]; dup {
			continue
		}
		c, err := r.lookupCluster(d.Region, clusterID)
		if err != nil {
			return err
		}
		seen[clusterID] = struct{}{}
		bound = append(bound, clusterID)
		limit = c.Mode.BindingLimit()
	}
	if limit > 0 && len(bound) > limit {
		return fmt.Errorf("%w: %d bindings, limit %d", ErrCapacityExceeded, len(bound), limit)
	}
	if d.Authority != "" {
		if _, ok := seen[d.Authority]; !ok {
			return fmt.Errorf("%w: authority %s is not a bound cluster", ErrNotBound, d.Authority)
		}
	}

	stored := &models.Device{
		ID:            d.ID,
		Region:        d.Region,
		Authority:     d.Authority,
		BoundClusters: bound,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.ID]; exists {
		return ErrDeviceExists
	}
	if r.repo != nil {
		if err := r.repo.Create(stored); err != nil {
			return fmt.Errorf("保存设备失败: %w", err)
		}
	}
	r.devices[d.ID] = &entry{device: stored}
	return nil
}

// Get 获取设备副本
func (r *Registry) Get(id string) (*models.Device, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneDevice(e.device), nil
}

// Bind 将设备绑定到集群，已绑定时直接返回
func (r *Registry) Bind(deviceID, clusterID string) error {
	e, err := r.entry(deviceID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.device
	c, err := r.lookupCluster(d.Region, clusterID)
	if err != nil {
		return err
	}
	if d.IsBound(clusterID) {
		return nil
	}
	if limit := c.Mode.BindingLimit(); len(d.BoundClusters) >= limit {
		return fmt.Errorf("%w: %s mode allows %d binding(s)", ErrCapacityExceeded, c.Mode, limit)
	}

	if r.repo != nil {
		if err := r.repo.AddBinding(deviceID, clusterID); err != nil {
			return fmt.Errorf("保存绑定失败: %w", err)
		}
	}
	d.BoundClusters = append(d.BoundClusters, clusterID)
	return nil
}

// Unbind 解除绑定；若配置权指向该集群则一并清空
func (r *Registry) Unbind(deviceID, clusterID string) error {
	e, err := r.entry(deviceID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.device
	if !d.IsBound(clusterID) {
		return fmt.Errorf("%w: %s", ErrNotBound, clusterID)
	}
	clearAuthority := d.Authority == clusterID

	if r.repo != nil {
		if err := r.repo.RemoveBinding(deviceID, clusterID, clearAuthority); err != nil {
			return fmt.Errorf("删除绑定失败: %w", err)
		}
	}

	kept := d.BoundClusters[:0]
	for _, id := range d.BoundClusters {
		if id != clusterID {
			kept = append(kept, id)
		}
	}
	d.BoundClusters = kept
	if clearAuthority {
		d.Authority = ""
	}
	return nil
}

// SetAuthority 将配置权交给指定集群，返回值表示是否发生变化
// clusterID 为空表示撤销配置权
func (r *Registry) SetAuthority(deviceID, clusterID string) (bool, error) {
	e, err := r.entry(deviceID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.device
	if clusterID != "" && !d.IsBound(clusterID) {
		return false, fmt.Errorf("%w: %s", ErrNotBound, clusterID)
	}
	if d.Authority == clusterID {
		return false, nil
	}

	if r.repo != nil {
		if err := r.repo.UpdateAuthority(deviceID, clusterID); err != nil {
			return false, fmt.Errorf("更新配置权失败: %w", err)
		}
	}
	d.Authority = clusterID
	return true, nil
}

// List 列出所有设备（按 ID 排序）
func (r *Registry) List() []*models.Device {
	return r.filter(func(*models.Device) bool { return true })
}

// ListByRegion 列出区域内的设备
func (r *Registry) ListByRegion(region string) []*models.Device {
	return r.filter(func(d *models.Device) bool { return d.Region == region })
}

func (r *Registry) filter(keep func(*models.Device) bool) []*models.Device {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.device) {
			out = append(out, cloneDevice(e.device))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return e, nil
}

func (r *Registry) lookupCluster(region, clusterID string) (*models.Cluster, error) {
	c, err := r.clusters.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if c.Region != region {
		return nil, fmt.Errorf("%w: cluster %s is in %s, device in %s", ErrRegionMismatch, clusterID, c.Region, region)
	}
	return c, nil
}

func cloneDevice(d *models.Device) *models.Device {
	cp := *d
	cp.BoundClusters = append([]string(nil), d.BoundClusters...)
	return &cp
}
