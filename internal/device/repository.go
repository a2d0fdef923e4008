package device

import (
	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"gorm.io/gorm"
)

// Repository 设备数据访问层
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建 Repository 实例
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create 在同一事务中创建设备及其绑定关系
func (r *Repository) Create(d *models.Device) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		for _, clusterID := range d.BoundClusters {
			binding := &models.DeviceBinding{DeviceID: d.ID, ClusterID: clusterID}
			if err := tx.Create(binding).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AddBinding 新增绑定
func (r *Repository) AddBinding(deviceID, clusterID string) error {
	return r.db.Create(&models.DeviceBinding{DeviceID: deviceID, ClusterID: clusterID}).Error
}

// RemoveBinding 删除绑定，clearAuthority 为真时同时清空配置权
func (r *Repository) RemoveBinding(deviceID, clusterID string, clearAuthority bool) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ? AND cluster_id = ?", deviceID, clusterID).
			Delete(&models.DeviceBinding{}).Error
		if err != nil {
			return err
		}
		if !clearAuthority {
			return nil
		}
		return tx.Model(&models.Device{}).Where("id = ?", deviceID).Update("authority", "").Error
	})
}

// UpdateAuthority 单行更新配置权
func (r *Repository) UpdateAuthority(deviceID, clusterID string) error {
	result := r.db.Model(&models.Device{}).Where("id = ?", deviceID).Update("authority", clusterID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownDevice
	}
	return nil
}

// FindAll 查找所有设备并填充绑定关系
func (r *Repository) FindAll() ([]*models.Device, error) {
	var devices []*models.Device
	if err := r.db.Order("id").Find(&devices).Error; err != nil {
		return nil, err
	}

	var bindings []models.DeviceBinding
	if err := r.db.Order("id").Find(&bindings).Error; err != nil {
		return nil, err
	}

	byDevice := make(map[string][]string, len(devices))
	for _, b := range bindings {
		byDevice[b.DeviceID] = append(byDevice[b.DeviceID], b.ClusterID)
	}
	for _, d := range devices {
		d.BoundClusters = byDevice[d.ID]
	}
	return devices, nil
}
