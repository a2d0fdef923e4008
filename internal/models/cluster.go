package models

import "time"

// ClusterRole 集群角色
type ClusterRole string

const (
	RolePrimary   ClusterRole = "primary"
	RoleSecondary ClusterRole = "secondary"
)

// Valid 是否为合法角色
func (r ClusterRole) Valid() bool {
	return r == RolePrimary || r == RoleSecondary
}

// DeploymentMode 区域部署模式
type DeploymentMode string

const (
	// ModeGold 备集群平时关机，需人工激活并从备份恢复
	ModeGold DeploymentMode = "gold"
	// ModeWarm 备集群常开，设备双注册，可自动切换
	ModeWarm DeploymentMode = "warm"
)

// Valid 是否为合法部署模式
func (m DeploymentMode) Valid() bool {
	return m == ModeGold || m == ModeWarm
}

// BindingLimit 单台设备在该模式下最多可绑定的集群数
func (m DeploymentMode) BindingLimit() int {
	if m == ModeWarm {
		return 2
	}
	return 1
}

// ClusterStatus 集群运行状态
type ClusterStatus string

const (
	StatusActive      ClusterStatus = "active"
	StatusStandbyCold ClusterStatus = "standby-cold"
	StatusStandbyWarm ClusterStatus = "standby-warm"
	StatusUnreachable ClusterStatus = "unreachable"
)

// Valid 是否为合法状态
func (s ClusterStatus) Valid() bool {
	switch s {
	case StatusActive, StatusStandbyCold, StatusStandbyWarm, StatusUnreachable:
		return true
	}
	return false
}

// Cluster 控制器集群
// ID 注册后不可变；同一区域对内只有一个主集群
type Cluster struct {
	ID        string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Region    string         `gorm:"type:varchar(64);not null;index" json:"region"`
	Role      ClusterRole    `gorm:"type:varchar(20);not null" json:"role"`
	Mode      DeploymentMode `gorm:"type:varchar(20);not null" json:"mode"`
	Status    ClusterStatus  `gorm:"type:varchar(20);not null" json:"status"`
	Endpoint  string         `gorm:"type:varchar(255)" json:"endpoint,omitempty"` // 健康探测地址，可为空
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (Cluster) TableName() string {
	return "clusters"
}

// StandbyStatus 该模式下备集群的空闲状态
func StandbyStatus(mode DeploymentMode) ClusterStatus {
	if mode == ModeWarm {
		return StatusStandbyWarm
	}
	return StatusStandbyCold
}
