package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
)

// AuthorityChange 单台设备配置权变更通知
type AuthorityChange struct {
	DeviceID    string    `json:"device_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	OperationID string    `json:"operation_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alert 需要外部告警系统处理的事件
type Alert struct {
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	Region    string    `json:"region,omitempty"`
	Message   string    `json:"message"`
	DeviceIDs []string  `json:"device_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 对外发布切换事件、配置权变更与告警
type Publisher interface {
	PublishFailover(ctx context.Context, event *models.FailoverEvent) error
	PublishAuthority(ctx context.Context, change AuthorityChange) error
	PublishAlert(ctx context.Context, alert Alert) error
	Close() error
}

// NoopPublisher 丢弃所有通知
type NoopPublisher struct{}

func (NoopPublisher) PublishFailover(context.Context, *models.FailoverEvent) error { return nil }
func (NoopPublisher) PublishAuthority(context.Context, AuthorityChange) error       { return nil }
func (NoopPublisher) PublishAlert(context.Context, Alert) error                     { return nil }
func (NoopPublisher) Close() error                                                  { return nil }

// MemoryPublisher 在内存中保存所有通知
type MemoryPublisher struct {
	mu          sync.Mutex
	failovers   []models.FailoverEvent
	authorities []AuthorityChange
	alerts      []Alert
}

// NewMemoryPublisher 创建内存发布器
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishFailover(_ context.Context, event *models.FailoverEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failovers = append(p.failovers, *event)
	return nil
}

func (p *MemoryPublisher) PublishAuthority(_ context.Context, change AuthorityChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorities = append(p.authorities, change)
	return nil
}

func (p *MemoryPublisher) PublishAlert(_ context.Context, alert Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Failovers 已发布的切换事件
func (p *MemoryPublisher) Failovers() []models.FailoverEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.FailoverEvent(nil), p.failovers...)
}

// Authorities 已发布的配置权变更
func (p *MemoryPublisher) Authorities() []AuthorityChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AuthorityChange(nil), p.authorities...)
}

// Alerts 已发布的告警
func (p *MemoryPublisher) Alerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Alert(nil), p.alerts...)
}
