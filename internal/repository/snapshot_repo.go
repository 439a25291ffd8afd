package repository

import (
	"context"
	"errors"
	"time"

	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepository 快照存储
type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *domain.Snapshot) error
	FindByID(ctx context.Context, id string) (*domain.Snapshot, error)
	// List 分页列表（不含 view id 和 fragment 明细），deviceID 为空表示全部
	List(ctx context.Context, page, pageSize int, deviceID string) ([]*domain.Snapshot, int64, error)
	Latest(ctx context.Context, deviceID string) (*domain.Snapshot, error)
	Delete(ctx context.Context, id string) error
	// CountByStatus 各状态数量及总数
	CountByStatus(ctx context.Context) (map[string]int64, int64, error)
}

type snapshotRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewSnapshotRepository(db *gorm.DB, logger *logrus.Logger) SnapshotRepository {
	return &snapshotRepo{db: db, logger: logger}
}

func (r *snapshotRepo) Create(ctx context.Context, snapshot *domain.Snapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	// 关联表随主表一起写入
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *snapshotRepo) FindByID(ctx context.Context, id string) (*domain.Snapshot, error) {
	var snapshot domain.Snapshot
	err := r.withChildren(r.db.WithContext(ctx)).
		Where("id = ?", id).
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

func (r *snapshotRepo) List(ctx context.Context, page, pageSize int, deviceID string) ([]*domain.Snapshot, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	filter := func(db *gorm.DB) *gorm.DB {
		if deviceID != "" {
			return db.Where("device_id = ?", deviceID)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Snapshot{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var snapshots []*domain.Snapshot
	err := r.db.WithContext(ctx).Scopes(filter).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&snapshots).Error
	if err != nil {
		return nil, 0, err
	}
	return snapshots, total, nil
}

func (r *snapshotRepo) Latest(ctx context.Context, deviceID string) (*domain.Snapshot, error) {
	var snapshot domain.Snapshot
	err := r.withChildren(r.db.WithContext(ctx)).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

func (r *snapshotRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("snapshot_id = ?", id).Delete(&domain.SnapshotViewID{}).Error; err != nil {
			return err
		}
		if err := tx.Where("snapshot_id = ?", id).Delete(&domain.SnapshotFragment{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&domain.Snapshot{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSnapshotNotFound
		}

		r.logger.WithField("snapshot_id", id).Info("Snapshot deleted")
		return nil
	})
}

func (r *snapshotRepo) CountByStatus(ctx context.Context) (map[string]int64, int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&domain.Snapshot{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	counts := make(map[string]int64, len(rows))
	var total int64
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
		total += rw.Count
	}
	return counts, total, nil
}

func (r *snapshotRepo) withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("ViewIDs", func(db *gorm.DB) *gorm.DB { return db.Order("resource_id") }).
		Preload("Fragments", func(db *gorm.DB) *gorm.DB { return db.Order("position") })
}
