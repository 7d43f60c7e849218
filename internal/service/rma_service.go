package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rmasystem/internal/config"
	"rmasystem/internal/infrastructure/lock"
	"rmasystem/internal/model"
	"rmasystem/internal/repository"
	"rmasystem/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrUnknownItem    = errors.New("质检决定包含退货单上不存在的商品")
	ErrOverAllocation = errors.New("贷记数量与还库数量之和超过退货数量")
)

type RmaService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	logger      *logrus.Logger
	rmaRepo     *repository.RmaRepository
	outboxRepo  *repository.OutboxRepository
}

func NewRmaService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, logger *logrus.Logger) *RmaService {
	return &RmaService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		logger:      logger,
		rmaRepo:     repository.NewRmaRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type CreateRmaItem struct {
	ProductID   string `json:"product_id" binding:"required"`
	QtyReturned int    `json:"quantity_returned" binding:"required,gt=0"`
	Reason      string `json:"reason"`
}

type CreateRmaRequest struct {
	RequestID string          `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	OrderNo   string          `json:"order_no" binding:"required"`
	Customer  string          `json:"customer"`
	Items     []CreateRmaItem `json:"items" binding:"required,min=1,dive"`
}

// CreateRma 创建退货单，request_id 幂等：重复提交返回已有单据
func (s *RmaService) CreateRma(ctx context.Context, req *CreateRmaRequest) (*model.ReturnRequest, error) {
	existing, err := s.rmaRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询退货单失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	rma := &model.ReturnRequest{
		RmaNo:     idgen.GenerateRmaNo(),
		RequestID: req.RequestID,
		OrderNo:   req.OrderNo,
		Customer:  req.Customer,
		Status:    model.RmaStatusRequested,
	}
	for _, it := range req.Items {
		rma.Items = append(rma.Items, model.ReturnItem{
			ProductID:   it.ProductID,
			QtyReturned: it.QtyReturned,
			Reason:      it.Reason,
		})
	}

	if err := s.rmaRepo.Create(ctx, nil, rma); err != nil {
		return nil, fmt.Errorf("创建退货单失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"rma_no":   rma.RmaNo,
		"order_no": rma.OrderNo,
	}).Info("退货单已创建")

	return rma, nil
}

// ItemDecision 单个商品的质检决定
type ItemDecision struct {
	ProductID  string `json:"product_id" binding:"required"`
	QtyCredit  int    `json:"qty_credit" binding:"gte=0"`
	QtyRestock int    `json:"qty_restock" binding:"gte=0"`
	Condition  string `json:"condition"`
	Reason     string `json:"reason"`
}

type TransitionRequest struct {
	RmaNo     string
	Action    string
	Note      string
	Decisions []ItemDecision // 仅 INSPECT 需要
}

// Transition 执行一次状态转移，整个副作用（状态、时间戳、日志、明细）单事务提交
//
// 幂等重放：动作的目标状态 == 当前状态时直接返回成功，不追加日志；
// 之后又发生过其他转移的重放请求会落入"转移表查不到"而被拒绝
func (s *RmaService) Transition(ctx context.Context, req *TransitionRequest) (*model.ReturnRequest, error) {
	rma, err := s.rmaRepo.GetByRmaNo(ctx, req.RmaNo)
	if err != nil {
		return nil, err
	}

	if target, ok := model.ActionTarget(req.Action); ok && target == rma.Status {
		return rma, nil
	}

	if _, ok := model.NextStatus(rma.Status, req.Action); !ok {
		return nil, repository.ErrInvalidTransition
	}

	// 同一张退货单的并发转移跨实例串行化；CAS 是存储层兜底
	rmaLock := lock.NewRmaLock(s.redisClient, req.RmaNo, time.Duration(s.cfg.Business.LockTTLSeconds)*time.Second)
	if err := rmaLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer rmaLock.Unlock(ctx)

	// 拿到锁后重新读取再校验一次
	rma, err = s.rmaRepo.GetByRmaNo(ctx, req.RmaNo)
	if err != nil {
		return nil, err
	}
	if target, ok := model.ActionTarget(req.Action); ok && target == rma.Status {
		return rma, nil
	}
	if _, ok := model.NextStatus(rma.Status, req.Action); !ok {
		return nil, repository.ErrInvalidTransition
	}

	if req.Action == model.RmaActionInspect {
		if err := validateDecisions(rma.Items, req.Decisions); err != nil {
			return nil, err
		}
	}

	fromStatus := rma.Status
	var toStatus string

	err = s.db.Transaction(func(tx *gorm.DB) error {
		toStatus, err = s.rmaRepo.UpdateStatus(ctx, tx, req.RmaNo, fromStatus, req.Action)
		if err != nil {
			return err
		}

		if req.Action == model.RmaActionInspect {
			for _, d := range req.Decisions {
				item := &model.ReturnItem{
					ProductID:  d.ProductID,
					QtyCredit:  d.QtyCredit,
					QtyRestock: d.QtyRestock,
					Condition:  d.Condition,
					Reason:     d.Reason,
				}
				rows, err := s.rmaRepo.UpdateItemDecision(ctx, tx, req.RmaNo, item)
				if err != nil {
					return fmt.Errorf("写入质检决定失败: %w", err)
				}
				if rows == 0 {
					return ErrUnknownItem
				}
			}
		}

		if err := s.rmaRepo.AppendLog(ctx, tx, req.RmaNo, req.Action, req.Note); err != nil {
			return fmt.Errorf("写入操作日志失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"rma_no":      req.RmaNo,
			"order_no":    rma.OrderNo,
			"action":      req.Action,
			"from_status": fromStatus,
			"to_status":   toStatus,
			"occurred_at": time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: req.RmaNo,
			Topic:      s.cfg.Kafka.Topic.RmaEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入事件消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"rma_no": req.RmaNo,
		"action": req.Action,
		"from":   fromStatus,
		"to":     toStatus,
	}).Info("退货单状态转移成功")

	return s.rmaRepo.GetByRmaNo(ctx, req.RmaNo)
}

func (s *RmaService) GetRma(ctx context.Context, rmaNo string) (*model.ReturnRequest, error) {
	return s.rmaRepo.GetByRmaNo(ctx, rmaNo)
}

func (s *RmaService) ListByOrder(ctx context.Context, orderNo string) ([]*model.ReturnRequest, error) {
	return s.rmaRepo.ListByOrderNo(ctx, orderNo)
}

// validateDecisions 校验整批质检决定，任何一条不合法则整批拒绝、单据不动
func validateDecisions(items []model.ReturnItem, decisions []ItemDecision) error {
	byProduct := make(map[string]*model.ReturnItem, len(items))
	for i := range items {
		byProduct[items[i].ProductID] = &items[i]
	}

	for _, d := range decisions {
		item, ok := byProduct[d.ProductID]
		if !ok {
			return ErrUnknownItem
		}
		if d.QtyCredit < 0 || d.QtyRestock < 0 {
			return ErrOverAllocation
		}
		if d.QtyCredit+d.QtyRestock > item.QtyReturned {
			return ErrOverAllocation
		}
	}
	return nil
}
