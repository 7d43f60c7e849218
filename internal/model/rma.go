package model

import (
	"time"
)

// ============================================================================
// 退货单状态机
// ============================================================================

const (
	RmaStatusRequested = "REQUESTED" // 客户已提交退货申请
	RmaStatusApproved  = "APPROVED"  // 后台已审批，等待寄回
	RmaStatusReceived  = "RECEIVED"  // 仓库已收到退货
	RmaStatusInspected = "INSPECTED" // 质检完成，逐项给出处理决定
	RmaStatusCredited  = "CREDITED"  // 已开具贷记单（终态）
	RmaStatusRejected  = "REJECTED"  // 已拒绝（终态）
)

const (
	RmaActionApprove = "APPROVE"
	RmaActionReceive = "RECEIVE"
	RmaActionInspect = "INSPECT"
	RmaActionReject  = "REJECT"
	RmaActionCredit  = "CREDIT" // 系统动作，生成贷记单时触发
)

// RmaTransitions 状态转移表：当前状态 × 动作 -> 目标状态
// 不在表内的组合一律非法，由调用方统一拒绝，而不是在各个接口里散落判断
//
// 【注意】RECEIVE 允许直接从 REQUESTED 触发：
// 仓库先扫到包裹、后台还没来得及审批的情况在实际运营中很常见
var RmaTransitions = map[string]map[string]string{
	RmaStatusRequested: {
		RmaActionApprove: RmaStatusApproved,
		RmaActionReceive: RmaStatusReceived,
		RmaActionReject:  RmaStatusRejected,
	},
	RmaStatusApproved: {
		RmaActionReceive: RmaStatusReceived,
		RmaActionReject:  RmaStatusRejected,
	},
	RmaStatusReceived: {
		RmaActionInspect: RmaStatusInspected,
		RmaActionReject:  RmaStatusRejected,
	},
	RmaStatusInspected: {
		RmaActionCredit: RmaStatusCredited,
		RmaActionReject: RmaStatusRejected,
	},
	// CREDITED / REJECTED 为终态，不允许任何动作
}

// NextStatus 查表返回目标状态，第二个返回值表示该转移是否合法
func NextStatus(currentStatus, action string) (string, bool) {
	actions, exists := RmaTransitions[currentStatus]
	if !exists {
		return "", false
	}
	target, ok := actions[action]
	return target, ok
}

// ActionTarget 返回某个动作的目标状态（与当前状态无关），
// 用于识别"重放"请求：动作的目标状态等于当前状态时视为幂等重放
func ActionTarget(action string) (string, bool) {
	switch action {
	case RmaActionApprove:
		return RmaStatusApproved, true
	case RmaActionReceive:
		return RmaStatusReceived, true
	case RmaActionInspect:
		return RmaStatusInspected, true
	case RmaActionReject:
		return RmaStatusRejected, true
	case RmaActionCredit:
		return RmaStatusCredited, true
	}
	return "", false
}

// IsTerminalStatus 终态判断
func IsTerminalStatus(status string) bool {
	return status == RmaStatusCredited || status == RmaStatusRejected
}

// ReturnRequest 退货单主表
// 状态字段只允许通过状态机转移修改，外部系统只能提交转移请求
type ReturnRequest struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RmaNo       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"rma_no"`
	RequestID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID，客户端生成
	OrderNo     string     `gorm:"type:varchar(64);index;not null" json:"order_no"`
	Customer    string     `gorm:"type:varchar(128)" json:"customer"`
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ApprovedAt  *time.Time `json:"approved_at"`  // 以下时间戳只在首次进入对应状态时写入一次
	ReceivedAt  *time.Time `json:"received_at"`
	InspectedAt *time.Time `json:"inspected_at"`
	CreditedAt  *time.Time `json:"credited_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Items []ReturnItem `gorm:"foreignKey:RmaNo;references:RmaNo" json:"items"`
	Log   []ReturnLog  `gorm:"foreignKey:RmaNo;references:RmaNo" json:"log"`
}

func (ReturnRequest) TableName() string {
	return "return_request"
}

// ReturnItem 退货单明细
// 质检前 QtyCredit/QtyRestock 为 0；质检后满足 QtyCredit+QtyRestock <= QtyReturned
type ReturnItem struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	RmaNo       string `gorm:"type:varchar(64);index:idx_return_item_rma_product,unique;not null" json:"rma_no"`
	ProductID   string `gorm:"type:varchar(64);index:idx_return_item_rma_product,unique;not null" json:"product_id"`
	QtyReturned int    `gorm:"not null" json:"quantity_returned"`
	QtyCredit   int    `gorm:"not null;default:0" json:"quantity_credit"`
	QtyRestock  int    `gorm:"not null;default:0" json:"quantity_restock"`
	Condition   string `gorm:"type:varchar(32)" json:"condition"`
	Reason      string `gorm:"type:varchar(256)" json:"reason"`
}

func (ReturnItem) TableName() string {
	return "return_item"
}

// ReturnLog 退货单操作日志
//
// 【重要】日志表设计原则：
// 1. 只追加，不修改，不删除 —— 审计可追溯
// 2. 与状态转移在同一事务内写入 —— 日志条数 == 成功转移次数
// 3. 自增ID即提交顺序
type ReturnLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RmaNo     string    `gorm:"type:varchar(64);index;not null" json:"rma_no"`
	Action    string    `gorm:"type:varchar(20);not null" json:"action"`
	Note      string    `gorm:"type:varchar(512)" json:"note"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"timestamp"`
}

func (ReturnLog) TableName() string {
	return "return_log"
}
