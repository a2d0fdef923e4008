package cluster

import (
	"errors"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
	"gorm.io/gorm"
)

// Repository 集群数据访问层
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建 Repository 实例
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create 创建集群
func (r *Repository) Create(c *models.Cluster) error {
	return r.db.Create(c).Error
}

// FindByID 根据 ID 查找集群
func (r *Repository) FindByID(id string) (*models.Cluster, error) {
	var c models.Cluster
	err := r.db.First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownCluster
		}
		return nil, err
	}
	return &c, nil
}

// FindAll 查找所有集群
func (r *Repository) FindAll() ([]*models.Cluster, error) {
	var clusters []*models.Cluster
	if err := r.db.Order("id").Find(&clusters).Error; err != nil {
		return nil, err
	}
	return clusters, nil
}

// UpdateStatus 仅更新运行状态
func (r *Repository) UpdateStatus(id string, status models.ClusterStatus) error {
	result := r.db.Model(&models.Cluster{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownCluster
	}
	return nil
}
