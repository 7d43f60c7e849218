package model

import (
	"time"
)

const (
	ExportStatusExporting = "EXPORTING" // 已占位，外部调用进行中（或结果未知）
	ExportStatusExported  = "EXPORTED"  // 外部系统已确认，记录了对方返回的凭证号
	ExportStatusFailed    = "FAILED"    // 外部调用明确失败，可以安全重试
)

// ExportMarker 记账导出幂等标记
// order_id 上的唯一索引保证同一订单最多只有一条标记，
// 抢占标记靠 INSERT 冲突判断，而不是先查后插
//
// 状态含义决定了能否重试：
//   EXPORTED       —— 拒绝再次导出
//   EXPORTING 且新鲜 —— 有别的实例在导，拒绝
//   EXPORTING 且过期 —— 结果未知，留给对账任务报告，人工确认后接管
//   FAILED          —— 外部调用没发生副作用，允许接管重试
type ExportMarker struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ExternalRef string     `gorm:"type:varchar(64)" json:"external_ref"` // 外部记账系统返回的单据号
	LastError   string     `gorm:"type:varchar(512)" json:"last_error"`
	ExportedAt  *time.Time `json:"exported_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (ExportMarker) TableName() string {
	return "export_marker"
}
