package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	CreditNoteStatusOpen     = "OPEN"
	CreditNoteStatusExported = "EXPORTED"
)

// 正常编号形如 C-00001；降级编号形如 C-1705305052000-483920，不会被该正则匹配，
// 因此不参与 max+1 扫描，也一眼就能看出是降级产物
var creditNumberPattern = regexp.MustCompile(`^C-(\d+)$`)

// FormatCreditNumber 生成 5 位补零的标准编号
func FormatCreditNumber(seq int) string {
	return fmt.Sprintf("C-%05d", seq)
}

// ParseCreditNumber 解析标准编号的数字部分，非标准编号返回 false
func ParseCreditNumber(creditNumber string) (int, bool) {
	m := creditNumberPattern.FindStringSubmatch(creditNumber)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// CreditNote 贷记单
// 每个到达 CREDITED 的退货单恰好生成一张，编号全局唯一且不可变
type CreditNote struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreditNumber string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"credit_number"`
	RmaNo        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"rma_no"` // 一张退货单只开一张贷记单
	OrderID      string          `gorm:"type:varchar(64);index;not null" json:"order_id"`
	OrderNumber  string          `gorm:"type:varchar(64)" json:"order_number"`
	Customer     string          `gorm:"type:varchar(128)" json:"customer"`
	Total        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	Status       string          `gorm:"type:varchar(20);index;not null;default:OPEN" json:"status"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Items []CreditNoteItem `gorm:"foreignKey:CreditNumber;references:CreditNumber" json:"items"`
}

func (CreditNote) TableName() string {
	return "credit_note"
}

// CreditNoteItem 贷记单明细，开单时从退货单明细快照复制，
// 之后退货单再怎么改都不影响已开出的贷记单
type CreditNoteItem struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreditNumber string          `gorm:"type:varchar(64);index;not null" json:"credit_number"`
	ProductID    string          `gorm:"type:varchar(64);not null" json:"product_id"`
	QtyCredit    int             `gorm:"not null" json:"quantity_credit"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
	Condition    string          `gorm:"type:varchar(32)" json:"condition"`
	Reason       string          `gorm:"type:varchar(256)" json:"reason"`
}

func (CreditNoteItem) TableName() string {
	return "credit_note_item"
}
