package repository

import (
	"context"
	"errors"
	"time"

	"rmasystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrAlreadyExported  = errors.New("该订单已导出到记账系统")
	ErrExportInProgress = errors.New("该订单正在导出中")
	ErrMarkerNotFound   = errors.New("导出标记不存在")
)

type ExportMarkerRepository struct {
	db *gorm.DB
}

func NewExportMarkerRepository(db *gorm.DB) *ExportMarkerRepository {
	return &ExportMarkerRepository{db: db}
}

// Claim 为订单抢占导出资格，先于任何外部调用执行
//
// 直接 INSERT，靠 order_id 唯一索引判冲突（不是先查后插，那有窗口期）：
//   - 插入成功            —— 本实例拿到导出权
//   - 冲突且已 EXPORTED   —— 拒绝，外部系统已有这笔记录
//   - 冲突且 EXPORTING    —— 拒绝；无论新鲜还是过期都不自动接管，
//     过期的由对账任务报告、人工处理（外部调用结果未知，自动重试会重复入账）
//   - 冲突且 FAILED       —— 外部调用明确没成功过，CAS 改回 EXPORTING 接管
func (r *ExportMarkerRepository) Claim(ctx context.Context, orderID string) (*model.ExportMarker, error) {
	marker := &model.ExportMarker{
		OrderID: orderID,
		Status:  model.ExportStatusExporting,
	}
	err := r.db.WithContext(ctx).Create(marker).Error
	if err == nil {
		return marker, nil
	}
	if !IsDuplicateKeyErr(err) {
		return nil, err
	}

	existing, err := r.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch existing.Status {
	case model.ExportStatusExported:
		return nil, ErrAlreadyExported
	case model.ExportStatusExporting:
		return nil, ErrExportInProgress
	case model.ExportStatusFailed:
		result := r.db.WithContext(ctx).
			Model(&model.ExportMarker{}).
			Where("order_id = ? AND status = ?", orderID, model.ExportStatusFailed).
			Updates(map[string]interface{}{
				"status":     model.ExportStatusExporting,
				"last_error": "",
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// 另一个实例刚刚接管了
			return nil, ErrExportInProgress
		}
		existing.Status = model.ExportStatusExporting
		return existing, nil
	default:
		return nil, ErrExportInProgress
	}
}

// MarkExported 外部调用成功后落盘凭证号
// 这一步失败就是对账风险：外部系统已入账而标记还停在 EXPORTING，
// 调用方必须显式记录该情况，绝不能重发外部调用
func (r *ExportMarkerRepository) MarkExported(ctx context.Context, orderID, externalRef string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.ExportMarker{}).
		Where("order_id = ? AND status = ?", orderID, model.ExportStatusExporting).
		Updates(map[string]interface{}{
			"status":       model.ExportStatusExported,
			"external_ref": externalRef,
			"exported_at":  &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMarkerNotFound
	}
	return nil
}

func (r *ExportMarkerRepository) MarkFailed(ctx context.Context, orderID, errMsg string) error {
	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}
	return r.db.WithContext(ctx).
		Model(&model.ExportMarker{}).
		Where("order_id = ? AND status = ?", orderID, model.ExportStatusExporting).
		Updates(map[string]interface{}{
			"status":     model.ExportStatusFailed,
			"last_error": errMsg,
		}).Error
}

func (r *ExportMarkerRepository) GetByOrderID(ctx context.Context, orderID string) (*model.ExportMarker, error) {
	var marker model.ExportMarker
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&marker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMarkerNotFound
		}
		return nil, err
	}
	return &marker, nil
}

// GetStaleExporting 查出长时间停留在 EXPORTING 的标记，供对账任务报告
func (r *ExportMarkerRepository) GetStaleExporting(ctx context.Context, before time.Time, limit int) ([]*model.ExportMarker, error) {
	var markers []*model.ExportMarker
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.ExportStatusExporting, before).
		Limit(limit).
		Find(&markers).Error
	return markers, err
}
