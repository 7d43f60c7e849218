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
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 唯一索引兜底命中后允许的换号重试次数
const maxNumberRetries = 3

type CreditNoteService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	logger      *logrus.Logger
	rmaRepo     *repository.RmaRepository
	creditRepo  *repository.CreditNoteRepository
	outboxRepo  *repository.OutboxRepository
}

func NewCreditNoteService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, logger *logrus.Logger) *CreditNoteService {
	return &CreditNoteService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		logger:      logger,
		rmaRepo:     repository.NewRmaRepository(db),
		creditRepo:  repository.NewCreditNoteRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type CreditItemInput struct {
	ProductID string          `json:"product_id" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type GenerateCreditNoteRequest struct {
	OrderID     string            `json:"orderId" binding:"required"`
	OrderNumber string            `json:"order_number"`
	Customer    string            `json:"customer"`
	RmaID       string            `json:"rma_id" binding:"required"`
	Items       []CreditItemInput `json:"items"`
}

// GenerateCreditNote 为质检完成的退货单开具贷记单
//
// 单事务内完成：扫号取 max+1 -> 退货单 INSPECTED->CREDITED（含日志）->
// 贷记单 + 明细快照落库 -> 发件箱事件。
// 编号唯一性三道防线：全局编号锁串行化扫号、credit_number 唯一索引兜底、
// 撞号后有限次换号重试。一张退货单只开一张（rma_no 唯一索引），重复请求返回已有单据
func (s *CreditNoteService) GenerateCreditNote(ctx context.Context, req *GenerateCreditNoteRequest) (*model.CreditNote, error) {
	rma, err := s.rmaRepo.GetByRmaNo(ctx, req.RmaID)
	if err != nil {
		return nil, err
	}

	existing, err := s.creditRepo.GetByRmaNo(ctx, nil, req.RmaID)
	if err != nil {
		return nil, fmt.Errorf("查询贷记单失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	if _, ok := model.NextStatus(rma.Status, model.RmaActionCredit); !ok {
		return nil, repository.ErrInvalidTransition
	}

	// 编号段全局只有一个，扫号-加一-写入期间必须全局互斥
	numberLock := lock.NewCreditNumberLock(s.redisClient, time.Duration(s.cfg.Business.LockTTLSeconds)*time.Second)
	lockHeld := true
	if err := numberLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		// 拿不到锁不阻塞开单：走降级编号，唯一索引仍然兜底
		s.logger.WithFields(logrus.Fields{
			"rma_no": req.RmaID,
			"err":    err.Error(),
		}).Warn("编号锁获取失败，贷记单使用降级编号")
		lockHeld = false
	}
	if lockHeld {
		defer numberLock.Unlock(ctx)
	}

	unitPrices := make(map[string]decimal.Decimal, len(req.Items))
	for _, it := range req.Items {
		unitPrices[it.ProductID] = it.UnitPrice
	}

	var note *model.CreditNote
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		creditNumber := s.nextCreditNumber(ctx, lockHeld)

		note = &model.CreditNote{
			CreditNumber: creditNumber,
			RmaNo:        rma.RmaNo,
			OrderID:      req.OrderID,
			OrderNumber:  req.OrderNumber,
			Customer:     req.Customer,
			Status:       model.CreditNoteStatusOpen,
		}

		total := decimal.Zero
		for _, item := range rma.Items {
			if item.QtyCredit <= 0 {
				continue
			}
			price := unitPrices[item.ProductID]
			line := price.Mul(decimal.NewFromInt(int64(item.QtyCredit)))
			total = total.Add(line)
			// 明细从退货单快照复制，之后退货单的变化不影响已开出的贷记单
			note.Items = append(note.Items, model.CreditNoteItem{
				ProductID: item.ProductID,
				QtyCredit: item.QtyCredit,
				UnitPrice: price,
				Condition: item.Condition,
				Reason:    item.Reason,
			})
		}
		note.Total = total

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if _, err := s.rmaRepo.UpdateStatus(ctx, tx, rma.RmaNo, model.RmaStatusInspected, model.RmaActionCredit); err != nil {
				return err
			}
			if err := s.rmaRepo.AppendLog(ctx, tx, rma.RmaNo, model.RmaActionCredit, "贷记单 "+creditNumber); err != nil {
				return fmt.Errorf("写入操作日志失败: %w", err)
			}
			if err := s.creditRepo.Create(ctx, tx, note); err != nil {
				return err
			}

			msgPayload := map[string]interface{}{
				"credit_number": creditNumber,
				"rma_no":        rma.RmaNo,
				"order_id":      req.OrderID,
				"total":         note.Total.String(),
				"created_at":    time.Now().Format(time.RFC3339),
			}
			payloadBytes, _ := json.Marshal(msgPayload)

			outboxMsg := &model.OutboxMessage{
				MessageKey: rma.RmaNo,
				Topic:      s.cfg.Kafka.Topic.RmaEvents,
				Payload:    string(payloadBytes),
				Status:     model.OutboxStatusPending,
			}
			return s.outboxRepo.Create(ctx, tx, outboxMsg)
		})

		if err == nil {
			break
		}

		if repository.IsDuplicateKeyErr(err) {
			// 可能是并发请求已为该退货单开过单
			if existing, getErr := s.creditRepo.GetByRmaNo(ctx, nil, rma.RmaNo); getErr == nil && existing != nil {
				return existing, nil
			}
			// 否则是编号撞车，换号重试
			s.logger.WithFields(logrus.Fields{
				"rma_no":        rma.RmaNo,
				"credit_number": creditNumber,
				"attempt":       attempt + 1,
			}).Warn("贷记单编号冲突，重新取号")
			continue
		}

		// 状态 CAS 失败也可能是并发开单：对方先把退货单推进到 CREDITED，
		// 本方在事务里输掉 CAS。这种情况同样返回已有单据而不是报错
		if errors.Is(err, repository.ErrInvalidTransition) {
			if existing, getErr := s.creditRepo.GetByRmaNo(ctx, nil, rma.RmaNo); getErr == nil && existing != nil {
				return existing, nil
			}
		}

		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("开具贷记单失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"credit_number": note.CreditNumber,
		"rma_no":        rma.RmaNo,
		"order_id":      req.OrderID,
		"total":         note.Total.String(),
	}).Info("贷记单已开具")

	return note, nil
}

// nextCreditNumber 取下一个编号：正常路径扫 max+1 出 5 位补零格式；
// 没拿到锁或扫号失败时返回降级格式（时间戳+随机后缀），保可用不保连续
func (s *CreditNoteService) nextCreditNumber(ctx context.Context, lockHeld bool) string {
	if !lockHeld {
		return idgen.GenerateCreditFallbackNo()
	}

	maxSeq, err := s.creditRepo.MaxCreditSeq(ctx, nil)
	if err != nil {
		s.logger.WithField("err", err.Error()).Warn("扫描贷记单编号失败，使用降级编号")
		return idgen.GenerateCreditFallbackNo()
	}
	return model.FormatCreditNumber(maxSeq + 1)
}

func (s *CreditNoteService) GetByCreditNumber(ctx context.Context, creditNumber string) (*model.CreditNote, error) {
	return s.creditRepo.GetByCreditNumber(ctx, creditNumber)
}
