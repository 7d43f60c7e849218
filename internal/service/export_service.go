package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rmasystem/internal/config"
	"rmasystem/internal/infrastructure/accounting"
	"rmasystem/internal/model"
	"rmasystem/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrExportFailed = errors.New("导出记账系统失败")
	// ErrExportOutcomeUnknown 外部调用超时，对方可能已入账。
	// 标记保持 EXPORTING，禁止自动重试，等对账确认
	ErrExportOutcomeUnknown = errors.New("导出结果未知，请先核对导出标记后再重试")
	// ErrReconcileRequired 外部已入账但标记落盘失败，需要人工对账
	ErrReconcileRequired = errors.New("外部系统已入账但本地标记写入失败，需要人工对账")
)

// Exporter 对外部记账系统的最小依赖面，测试时用假实现替换
type Exporter interface {
	ExportOrder(ctx context.Context, req *accounting.ExportOrderRequest) (string, error)
}

// MarkerStore 导出标记存储的最小依赖面
// 标记落盘失败是真实会发生的故障，测试时用假实现注入
type MarkerStore interface {
	Claim(ctx context.Context, orderID string) (*model.ExportMarker, error)
	MarkExported(ctx context.Context, orderID, externalRef string) error
	MarkFailed(ctx context.Context, orderID, errMsg string) error
}

type ExportService struct {
	db         *gorm.DB
	cfg        *config.Config
	logger     *logrus.Logger
	exporter   Exporter
	markerRepo MarkerStore
	creditRepo *repository.CreditNoteRepository
	outboxRepo *repository.OutboxRepository
}

func NewExportService(db *gorm.DB, cfg *config.Config, logger *logrus.Logger, exporter Exporter) *ExportService {
	return &ExportService{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		exporter:   exporter,
		markerRepo: repository.NewExportMarkerRepository(db),
		creditRepo: repository.NewCreditNoteRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// ExportOnce 保证一个订单最多成功导出一次
//
// 顺序不能乱：先抢占标记，再发起外部调用 ——
// 已导出的订单在任何外部调用发生之前就被拒绝
func (s *ExportService) ExportOnce(ctx context.Context, orderID string) (string, error) {
	if _, err := s.markerRepo.Claim(ctx, orderID); err != nil {
		return "", err
	}

	req := &accounting.ExportOrderRequest{OrderID: orderID}
	notes, err := s.creditRepo.ListByOrderID(ctx, orderID)
	if err == nil && len(notes) > 0 {
		req.CreditNumber = notes[0].CreditNumber
		req.OrderNumber = notes[0].OrderNumber
		req.Customer = notes[0].Customer
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Accounting.TimeoutSeconds)*time.Second)
	defer cancel()

	externalRef, err := s.exporter.ExportOrder(callCtx, req)
	if err != nil {
		if errors.Is(err, accounting.ErrTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			// 结果未知：标记留在 EXPORTING，由对账任务报告
			s.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"err":      err.Error(),
			}).Warn("记账导出超时，结果未知，标记保持 EXPORTING")
			return "", ErrExportOutcomeUnknown
		}

		if markErr := s.markerRepo.MarkFailed(ctx, orderID, err.Error()); markErr != nil {
			s.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"err":      markErr.Error(),
			}).Error("导出失败标记写入失败")
		}
		s.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"err":      err.Error(),
		}).Error("记账导出失败")
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	if err := s.markerRepo.MarkExported(ctx, orderID, externalRef); err != nil {
		// 对账风险：外部系统已经有这笔记录，本地却没记下来。
		// 这里只能大声记录，绝不能重发外部调用（会重复入账）
		s.logger.WithFields(logrus.Fields{
			"order_id":           orderID,
			"external_ref":       externalRef,
			"err":                err.Error(),
			"reconcile_required": true,
		}).Error("外部导出成功但标记落盘失败，需要人工对账")
		return "", ErrReconcileRequired
	}

	// 订单下的贷记单同步置为已导出；失败只记日志，不影响导出结论
	for _, note := range notes {
		if note.Status != model.CreditNoteStatusOpen {
			continue
		}
		if err := s.creditRepo.UpdateStatus(ctx, nil, note.CreditNumber, model.CreditNoteStatusOpen, model.CreditNoteStatusExported); err != nil {
			s.logger.WithFields(logrus.Fields{
				"credit_number": note.CreditNumber,
				"err":           err.Error(),
			}).Warn("贷记单导出状态更新失败")
		}
	}

	s.publishExportResult(ctx, orderID, externalRef)

	s.logger.WithFields(logrus.Fields{
		"order_id":     orderID,
		"external_ref": externalRef,
	}).Info("记账导出成功")

	return externalRef, nil
}

func (s *ExportService) publishExportResult(ctx context.Context, orderID, externalRef string) {
	payload := fmt.Sprintf(`{"order_id":%q,"external_ref":%q,"exported_at":%q}`,
		orderID, externalRef, time.Now().Format(time.RFC3339))

	outboxMsg := &model.OutboxMessage{
		MessageKey: orderID,
		Topic:      s.cfg.Kafka.Topic.ExportResult,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, outboxMsg); err != nil {
		s.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"err":      err.Error(),
		}).Warn("导出结果事件写入失败")
	}
}
