package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
)

var (
	// ErrUnknownCluster 集群不存在
	ErrUnknownCluster = errors.New("unknown cluster")
	// ErrClusterExists 集群 ID 已注册
	ErrClusterExists = errors.New("cluster already registered")
	// ErrInvalidCluster 集群字段不合法
	ErrInvalidCluster = errors.New("invalid cluster")
	// ErrInvariantViolation 违反区域内单主集群约束
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNoPrimary 区域尚未注册主集群
	ErrNoPrimary = errors.New("region has no primary cluster")
)

// Pair 区域内的主备集群视图
type Pair struct {
	Region      string                `json:"region"`
	Mode        models.DeploymentMode `json:"mode"`
	Primary     *models.Cluster       `json:"primary"`
	Secondaries []*models.Cluster     `json:"secondaries"`
}

// Other 返回区域内除 id 之外的集群
func (p *Pair) Other(id string) []*models.Cluster {
	var out []*models.Cluster
	if p.Primary != nil && p.Primary.ID != id {
		out = append(out, p.Primary)
	}
	for _, c := range p.Secondaries {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

// Registry 集群注册表
// 纯存储 + 校验，不自行推断可达性；状态变更是唯一的修改路径
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*models.Cluster
	repo     *Repository // 为空时只保存在内存
}

// NewRegistry 创建集群注册表
func NewRegistry(repo *Repository) *Registry {
	return &Registry{
		clusters: make(map[string]*models.Cluster),
		repo:     repo,
	}
}

// Load 从持久化存储恢复注册表
func (r *Registry) Load() error {
	if r.repo == nil {
		return nil
	}
	clusters, err := r.repo.FindAll()
	if err != nil {
		return fmt.Errorf("加载集群失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range clusters {
		r.clusters[c.ID] = c
	}
	return nil
}

// RegisterCluster 注册集群
func (r *Registry) RegisterCluster(c *models.Cluster) error {
	if c == nil || c.ID == "" || c.Region == "" {
		return fmt.Errorf("%w: id and region are required", ErrInvalidCluster)
	}
	if !c.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidCluster, c.Role)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidCluster, c.Mode)
	}
	if c.Status == "" {
		c.Status = models.StandbyStatus(c.Mode)
		if c.Role == models.RolePrimary {
			c.Status = models.StatusActive
		}
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidCluster, c.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clusters[c.ID]; exists {
		return ErrClusterExists
	}

	for _, other := range r.clusters {
		if other.Region != c.Region {
			continue
		}
		if other.Mode != c.Mode {
			return fmt.Errorf("%w: region %s already runs %s standby", ErrInvariantViolation, c.Region, other.Mode)
		}
		if c.Role == models.RolePrimary && other.Role == models.RolePrimary {
			return fmt.Errorf("%w: region %s already has primary %s", ErrInvariantViolation, c.Region, other.ID)
		}
	}

	stored := *c
	if r.repo != nil {
		if err := r.repo.Create(&stored); err != nil {
			return fmt.Errorf("保存集群失败: %w", err)
		}
	}
	r.clusters[c.ID] = &stored
	return nil
}

// GetCluster 获取集群副本
func (r *Registry) GetCluster(id string) (*models.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clusters[id]
	if !ok {
		return nil, ErrUnknownCluster
	}
	cp := *c
	return &cp, nil
}

// SetStatus 更新集群运行状态
func (r *Registry) SetStatus(id string, status models.ClusterStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidCluster, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clusters[id]
	if !ok {
		return ErrUnknownCluster
	}
	if c.Status == status {
		return nil
	}

	// 同一区域内最多一个处于 active 的主集群
	if c.Role == models.RolePrimary && status == models.StatusActive {
		for _, other := range r.clusters {
			if other.ID != id && other.Region == c.Region &&
				other.Role == models.RolePrimary && other.Status == models.StatusActive {
				return fmt.Errorf("%w: primary %s already active in %s", ErrInvariantViolation, other.ID, c.Region)
			}
		}
	}

	if r.repo != nil {
		if err := r.repo.UpdateStatus(id, status); err != nil {
			return fmt.Errorf("更新集群状态失败: %w", err)
		}
	}
	c.Status = status
	return nil
}

// ListClusters 列出所有集群（按 ID 排序）
func (r *Registry) ListClusters() []*models.Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Regions 列出所有区域
func (r *Registry) Regions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range r.clusters {
		seen[c.Region] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for region := range seen {
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}

// Pair 获取区域的主备集群
func (r *Registry) Pair(region string) (*Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pair := &Pair{Region: region}
	for _, c := range r.clusters {
		if c.Region != region {
			continue
		}
		cp := *c
		pair.Mode = c.Mode
		if c.Role == models.RolePrimary {
			pair.Primary = &cp
		} else {
			pair.Secondaries = append(pair.Secondaries, &cp)
		}
	}
	if pair.Primary == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimary, region)
	}
	sort.Slice(pair.Secondaries, func(i, j int) bool { return pair.Secondaries[i].ID < pair.Secondaries[j].ID })
	return pair, nil
}
