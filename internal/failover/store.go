package failover

import (
	"time"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateStore 设备切换状态持久化
type StateStore struct {
	db *gorm.DB
}

// NewStateStore 创建状态存储
func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db}
}

// Save 写入或覆盖设备状态
func (s *StateStore) Save(deviceID string, state models.PairState, since time.Time) error {
	row := &models.DeviceState{DeviceID: deviceID, State: state, Since: since}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "since", "updated_at"}),
	}).Create(row).Error
}

// FindAll 读取所有设备状态
func (s *StateStore) FindAll() ([]models.DeviceState, error) {
	var rows []models.DeviceState
	if err := s.db.Order("device_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
