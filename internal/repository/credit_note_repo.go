package repository

import (
	"context"
	"errors"

	"rmasystem/internal/model"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrCreditNoteNotFound = errors.New("贷记单不存在")

// IsDuplicateKeyErr 判断是否为 MySQL 唯一键冲突（错误码 1062）
// 编号唯一索引是并发兜底：锁失效时靠它把撞号的一方打回重试
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

type CreditNoteRepository struct {
	db *gorm.DB
}

func NewCreditNoteRepository(db *gorm.DB) *CreditNoteRepository {
	return &CreditNoteRepository{db: db}
}

func (r *CreditNoteRepository) Create(ctx context.Context, tx *gorm.DB, note *model.CreditNote) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(note).Error
}

func (r *CreditNoteRepository) GetByCreditNumber(ctx context.Context, creditNumber string) (*model.CreditNote, error) {
	var note model.CreditNote
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("credit_number = ?", creditNumber).
		First(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditNoteNotFound
		}
		return nil, err
	}
	return &note, nil
}

func (r *CreditNoteRepository) GetByRmaNo(ctx context.Context, tx *gorm.DB, rmaNo string) (*model.CreditNote, error) {
	if tx == nil {
		tx = r.db
	}
	var note model.CreditNote
	err := tx.WithContext(ctx).
		Preload("Items").
		Where("rma_no = ?", rmaNo).
		First(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &note, nil
}

// MaxCreditSeq 扫描全部标准编号（C-<数字>），返回当前最大序号
// 降级格式的编号不匹配标准模式，自动被排除在外
func (r *CreditNoteRepository) MaxCreditSeq(ctx context.Context, tx *gorm.DB) (int, error) {
	if tx == nil {
		tx = r.db
	}
	var numbers []string
	err := tx.WithContext(ctx).
		Model(&model.CreditNote{}).
		Where("credit_number LIKE ?", "C-%").
		Pluck("credit_number", &numbers).Error
	if err != nil {
		return 0, err
	}

	maxSeq := 0
	for _, n := range numbers {
		if seq, ok := model.ParseCreditNumber(n); ok && seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

func (r *CreditNoteRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, creditNumber, fromStatus, toStatus string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditNote{}).
		Where("credit_number = ? AND status = ?", creditNumber, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCreditNoteNotFound
	}
	return nil
}

func (r *CreditNoteRepository) ListByOrderID(ctx context.Context, orderID string) ([]*model.CreditNote, error) {
	var notes []*model.CreditNote
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&notes).Error
	return notes, err
}
