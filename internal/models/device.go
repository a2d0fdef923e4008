package models

import "time"

// Device 受管设备（交换机）
// Authority 为当前持有配置下发权的集群，必须属于已绑定集群，或为空
type Device struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Region    string    `gorm:"type:varchar(64);not null;index" json:"region"`
	Authority string    `gorm:"type:varchar(64)" json:"provisioning_authority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	BoundClusters []string `gorm:"-" json:"bound_clusters"`
}

// TableName 指定表名
func (Device) TableName() string {
	return "devices"
}

// IsBound 设备是否已绑定到指定集群
func (d *Device) IsBound(clusterID string) bool {
	for _, id := range d.BoundClusters {
		if id == clusterID {
			return true
		}
	}
	return false
}

// DeviceBinding 设备与集群的注册关系
type DeviceBinding struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_device_cluster" json:"device_id"`
	ClusterID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_device_cluster;index" json:"cluster_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (DeviceBinding) TableName() string {
	return "device_bindings"
}
