package repository

import (
	"context"
	"errors"
	"time"

	"rmasystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrRmaNotFound       = errors.New("退货单不存在")
	ErrInvalidTransition = errors.New("退货单当前状态不允许该操作")
)

type RmaRepository struct {
	db *gorm.DB
}

func NewRmaRepository(db *gorm.DB) *RmaRepository {
	return &RmaRepository{db: db}
}

func (r *RmaRepository) Create(ctx context.Context, tx *gorm.DB, rma *model.ReturnRequest) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(rma).Error
}

func (r *RmaRepository) GetByRmaNo(ctx context.Context, rmaNo string) (*model.ReturnRequest, error) {
	var rma model.ReturnRequest
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Log", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC") // 日志按提交顺序返回
		}).
		Where("rma_no = ?", rmaNo).
		First(&rma).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRmaNotFound
		}
		return nil, err
	}
	return &rma, nil
}

func (r *RmaRepository) GetByRequestID(ctx context.Context, requestID string) (*model.ReturnRequest, error) {
	var rma model.ReturnRequest
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&rma).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rma, nil
}

func (r *RmaRepository) ListByOrderNo(ctx context.Context, orderNo string) ([]*model.ReturnRequest, error) {
	var rmas []*model.ReturnRequest
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("order_no = ?", orderNo).
		Order("created_at DESC").
		Find(&rmas).Error
	return rmas, err
}

// UpdateStatus 按状态机执行一次转移，CAS 写：
// WHERE 带上 fromStatus，RowsAffected == 0 说明有并发转移抢先提交，本次作废。
// 进入新状态时一并写入对应时间戳；CAS 保证同一状态只会进入一次，
// 因此时间戳天然只写一次，不会被覆盖
func (r *RmaRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, rmaNo string, fromStatus, action string) (string, error) {
	toStatus, ok := model.NextStatus(fromStatus, action)
	if !ok {
		return "", ErrInvalidTransition
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	now := time.Now()
	switch toStatus {
	case model.RmaStatusApproved:
		updates["approved_at"] = &now
	case model.RmaStatusReceived:
		updates["received_at"] = &now
	case model.RmaStatusInspected:
		updates["inspected_at"] = &now
	case model.RmaStatusCredited:
		updates["credited_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.ReturnRequest{}).
		Where("rma_no = ? AND status = ?", rmaNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return "", result.Error
	}

	if result.RowsAffected == 0 {
		return "", ErrInvalidTransition
	}

	return toStatus, nil
}

// AppendLog 追加一条操作日志，必须与 UpdateStatus 同事务调用
func (r *RmaRepository) AppendLog(ctx context.Context, tx *gorm.DB, rmaNo, action, note string) error {
	if tx == nil {
		tx = r.db
	}
	entry := &model.ReturnLog{
		RmaNo:  rmaNo,
		Action: action,
		Note:   note,
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// UpdateItemDecision 写入单个商品的质检决定，返回影响行数
func (r *RmaRepository) UpdateItemDecision(ctx context.Context, tx *gorm.DB, rmaNo string, item *model.ReturnItem) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.ReturnItem{}).
		Where("rma_no = ? AND product_id = ?", rmaNo, item.ProductID).
		Updates(map[string]interface{}{
			"qty_credit":  item.QtyCredit,
			"qty_restock": item.QtyRestock,
			"condition":   item.Condition,
			"reason":      item.Reason,
		})
	return result.RowsAffected, result.Error
}
