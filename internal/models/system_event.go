package models

import "time"

// SystemEvent 系统事件日志
// 用于记录告警、健康状态变化、运维命令等
type SystemEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"type:varchar(50);not null;index" json:"type"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Level     string    `gorm:"type:varchar(20);not null;default:'info';index" json:"level"` // info, warning, error, critical
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"`                         // 额外的元数据（JSON 格式）
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (SystemEvent) TableName() string {
	return "system_events"
}

// EventType 事件类型常量
const (
	EventTypeFailover         = "failover"          // 配置权迁移到备集群
	EventTypeRestore          = "restore"           // 配置权归还主集群
	EventTypeHealthTransition = "health_transition" // 集群可达性变化
	EventTypeDegraded         = "degraded"          // 主集群不可达
	EventTypeDoubleFault      = "double_fault"      // 主备均不可达
	EventTypeOperatorCommand  = "operator_command"  // 运维命令
	EventTypeDispatchFailure  = "dispatch_failure"  // 部分设备迁移失败
)

// EventLevel 事件级别常量
const (
	EventLevelInfo     = "info"
	EventLevelWarning  = "warning"
	EventLevelError    = "error"
	EventLevelCritical = "critical"
)
