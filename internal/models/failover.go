package models

import "time"

// Trigger 故障切换触发方式
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// FailoverEvent 故障切换审计记录
// 只追加，创建后不再修改
type FailoverEvent struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Region      string    `gorm:"type:varchar(64);not null;index" json:"region"`
	FromCluster string    `gorm:"type:varchar(64);not null" json:"from_cluster"`
	ToCluster   string    `gorm:"type:varchar(64);not null" json:"to_cluster"`
	DeviceIDs   []string  `gorm:"serializer:json;type:text" json:"device_ids"`
	TriggeredBy Trigger   `gorm:"type:varchar(20);not null" json:"triggered_by"`
	Reason      string    `gorm:"type:varchar(255)" json:"reason,omitempty"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
}

// TableName 指定表名
func (FailoverEvent) TableName() string {
	return "failover_events"
}

// PairState 设备与区域集群对之间的切换状态
type PairState string

const (
	StateNormal     PairState = "normal"
	StateDegraded   PairState = "degraded"    // 主集群不可达，备集群尚未接管
	StateFailedOver PairState = "failed_over" // 备集群持有配置权
	StateRecovering PairState = "recovering"  // 主集群已恢复，配置权尚未归还
	StateRestored   PairState = "restored"
	StateUnmanaged  PairState = "unmanaged" // 双故障，需人工介入
)

// DeviceState 持久化的设备切换状态
type DeviceState struct {
	DeviceID  string    `gorm:"primaryKey;type:varchar(64)" json:"device_id"`
	State     PairState `gorm:"type:varchar(20);not null" json:"state"`
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DeviceState) TableName() string {
	return "device_states"
}
