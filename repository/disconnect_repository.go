package repository

import (
	"context"
	"time"

	"QFMBot/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultHistoryLimit = 20

// DisconnectRepository 断开审计数据访问接口，只追加
type DisconnectRepository interface {
	Create(ctx context.Context, record *model.DisconnectRecord) error
	ListByGuild(ctx context.Context, guildID string, limit int) ([]*model.DisconnectRecord, error)
	CountByReason(ctx context.Context, guildID, reason string, since time.Time) (int64, error)
}

// gormDisconnectRepository GORM 实现
type gormDisconnectRepository struct {
	db *gorm.DB
}

// NewGormDisconnectRepository 创建 GORM 审计仓库
func NewGormDisconnectRepository(db *gorm.DB) DisconnectRepository {
	return &gormDisconnectRepository{db: db}
}

// Create 写入一条审计记录
func (r *gormDisconnectRepository) Create(ctx context.Context, record *model.DisconnectRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// ListByGuild 最近的审计记录，按时间倒序
func (r *gormDisconnectRepository) ListByGuild(ctx context.Context, guildID string, limit int) ([]*model.DisconnectRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var records []*model.DisconnectRecord
	err := r.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountByReason 统计某原因在时间点之后的记录数
func (r *gormDisconnectRepository) CountByReason(ctx context.Context, guildID, reason string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.DisconnectRecord{}).
		Where("guild_id = ? AND reason = ? AND created_at >= ?", guildID, reason, since).
		Count(&count).Error
	return count, err
}
