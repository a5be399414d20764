package repository

import (
	"context"
	"errors"

	"DrumRoom/model"

	"gorm.io/gorm"
)

// ErrBeatNotFound 节拍不存在，或不属于该用户
var ErrBeatNotFound = errors.New("beat not found")

// BeatRepository 节拍数据访问接口，所有操作都按用户隔离
type BeatRepository interface {
	Create(ctx context.Context, beat *model.Beat) error
	GetByID(ctx context.Context, userID, id int64) (*model.Beat, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*model.Beat, error)
	Update(ctx context.Context, beat *model.Beat) error
	Delete(ctx context.Context, userID, id int64) error
}

// gormBeatRepository GORM 实现
type gormBeatRepository struct {
	db *gorm.DB
}

// NewGormBeatRepository 创建 GORM 节拍仓库
func NewGormBeatRepository(db *gorm.DB) BeatRepository {
	return &gormBeatRepository{db: db}
}

func (r *gormBeatRepository) Create(ctx context.Context, beat *model.Beat) error {
	return r.db.WithContext(ctx).Create(beat).Error
}

func (r *gormBeatRepository) GetByID(ctx context.Context, userID, id int64) (*model.Beat, error) {
	var beat model.Beat
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&beat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBeatNotFound
		}
		return nil, err
	}
	return &beat, nil
}

// ListByUser 按更新时间倒序
func (r *gormBeatRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*model.Beat, error) {
	var beats []*model.Beat
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&beats).Error; err != nil {
		return nil, err
	}
	return beats, nil
}

// Update 只更新内容字段，不允许改归属
func (r *gormBeatRepository) Update(ctx context.Context, beat *model.Beat) error {
	res := r.db.WithContext(ctx).Model(&model.Beat{}).
		Where("id = ? AND user_id = ?", beat.ID, beat.UserID).
		Updates(map[string]interface{}{
			"name":          beat.Name,
			"pattern_data":  beat.PatternData,
			"tracks_config": beat.TracksConfig,
			"bpm":           beat.BPM,
			"measure_count": beat.MeasureCount,
			"effects_state": beat.EffectsState,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBeatNotFound
	}
	return nil
}

func (r *gormBeatRepository) Delete(ctx context.Context, userID, id int64) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&model.Beat{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBeatNotFound
	}
	return nil
}
