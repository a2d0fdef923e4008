package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/logger"
	"github.com/Mieluoxxx/cvp-standby/internal/metrics"
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"github.com/Mieluoxxx/cvp-standby/internal/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrEventNotFound 切换事件不存在
var ErrEventNotFound = errors.New("failover event not found")

const publishTimeout = 3 * time.Second

// Service 事件日志服务
// 系统事件与切换审计记录都写入数据库，告警和切换事件同时对外发布
type Service struct {
	db        *gorm.DB
	publisher notify.Publisher
	log       *zap.Logger
}

// NewService 创建事件日志服务实例
func NewService(db *gorm.DB, publisher notify.Publisher, log *zap.Logger) *Service {
	if publisher == nil {
		publisher = notify.NoopPublisher{}
	}
	return &Service{
		db:        db,
		publisher: publisher,
		log:       logger.OrNop(log).Named("events"),
	}
}

// LogEvent 记录事件；warning 及以上级别同时发布告警
func (s *Service) LogEvent(eventType, message, level string, metadata map[string]interface{}) error {
	// 序列化元数据为 JSON
	var metadataJSON string
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("序列化元数据失败: %w", err)
		}
		metadataJSON = string(data)
	}

	event := &models.SystemEvent{
		Type:      eventType,
		Message:   message,
		Level:     level,
		Metadata:  metadataJSON,
		CreatedAt: time.Now(),
	}

	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("保存事件失败: %w", err)
	}

	if level != models.EventLevelInfo {
		alert := notify.Alert{
			Level:     level,
			Type:      eventType,
			Message:   message,
			Timestamp: event.CreatedAt,
		}
		if region, ok := metadata["region"].(string); ok {
			alert.Region = region
		}
		if ids, ok := metadata["device_ids"].([]string); ok {
			alert.DeviceIDs = ids
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.PublishAlert(ctx, alert); err != nil {
			s.log.Warn("发布告警失败", zap.String("type", eventType), zap.Error(err))
		}
	}

	return nil
}

// LogInfo 记录信息级别事件
func (s *Service) LogInfo(eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(eventType, message, models.EventLevelInfo, metadata)
}

// LogWarning 记录警告级别事件
func (s *Service) LogWarning(eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(eventType, message, models.EventLevelWarning, metadata)
}

// LogError 记录错误级别事件
func (s *Service) LogError(eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(eventType, message, models.EventLevelError, metadata)
}

// LogCritical 记录需要人工介入的事件
func (s *Service) LogCritical(eventType, message string, metadata map[string]interface{}) error {
	return s.LogEvent(eventType, message, models.EventLevelCritical, metadata)
}

// RecordFailover 追加一条切换审计记录并发布
func (s *Service) RecordFailover(ctx context.Context, event *models.FailoverEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("保存切换事件失败: %w", err)
	}
	metrics.ObserveFailover(event.Region, string(event.TriggeredBy))

	if err := s.publisher.PublishFailover(ctx, event); err != nil {
		s.log.Warn("发布切换事件失败", zap.String("event", event.ID), zap.Error(err))
	}

	s.log.Info("记录切换事件",
		zap.String("event", event.ID),
		zap.String("region", event.Region),
		zap.String("from", event.FromCluster),
		zap.String("to", event.ToCluster),
		zap.String("trigger", string(event.TriggeredBy)),
		zap.Int("devices", len(event.DeviceIDs)))
	return nil
}

// ListFailoverEvents 按时间倒序列出切换事件，region 为空表示全部区域
func (s *Service) ListFailoverEvents(region string, limit int) ([]models.FailoverEvent, error) {
	var events []models.FailoverEvent

	query := s.db.Order("timestamp DESC")
	if region != "" {
		query = query.Where("region = ?", region)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("查询切换事件失败: %w", err)
	}

	return events, nil
}

// GetFailoverEvent 获取单条切换事件
func (s *Service) GetFailoverEvent(id string) (*models.FailoverEvent, error) {
	var event models.FailoverEvent
	if err := s.db.First(&event, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("查询切换事件失败: %w", err)
	}
	return &event, nil
}

// GetRecentEvents 获取最近的事件
func (s *Service) GetRecentEvents(limit int) ([]models.SystemEvent, error) {
	var events []models.SystemEvent

	err := s.db.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}

	return events, nil
}

// GetEventsByType 按类型获取事件
func (s *Service) GetEventsByType(eventType string, limit int) ([]models.SystemEvent, error) {
	var events []models.SystemEvent

	err := s.db.Where("type = ?", eventType).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error

	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}

	return events, nil
}

// GetEventsByLevel 按级别获取事件
func (s *Service) GetEventsByLevel(level string, limit int) ([]models.SystemEvent, error) {
	var events []models.SystemEvent

	err := s.db.Where("level = ?", level).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error

	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}

	return events, nil
}

// CleanupOldEvents 清理旧的系统事件（保留最近N天），切换审计记录不受影响
func (s *Service) CleanupOldEvents(days int) (int64, error) {
	cutoffTime := time.Now().AddDate(0, 0, -days)

	result := s.db.Where("created_at < ?", cutoffTime).Delete(&models.SystemEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理旧事件失败: %w", result.Error)
	}

	return result.RowsAffected, nil
}
