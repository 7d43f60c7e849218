package job

import (
	"context"
	"time"

	"rmasystem/internal/config"
	"rmasystem/internal/infrastructure/mq"
	"rmasystem/internal/model"
	"rmasystem/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxSender 轮询发件箱，把 PENDING 消息投递到 Kafka
// 投递失败累加重试，超过上限转 FAILED 停止投递
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	logger     *logrus.Logger
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		logger:     logger,
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.WithField("err", err.Error()).Error("[OutboxSender] 查询消息失败")
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.logger.WithFields(logrus.Fields{
				"id":  msg.ID,
				"err": updateErr.Error(),
			}).Error("[OutboxSender] 更新消息状态失败")
		}
		return
	}

	s.logger.WithFields(logrus.Fields{
		"id":    msg.ID,
		"topic": msg.Topic,
		"err":   err.Error(),
	}).Error("[OutboxSender] 消息发送失败")

	failed, markErr := s.outboxRepo.MarkSendFailed(ctx, msg, s.cfg.Business.MaxRetryCount)
	if markErr != nil {
		s.logger.WithFields(logrus.Fields{
			"id":  msg.ID,
			"err": markErr.Error(),
		}).Error("[OutboxSender] 更新重试次数失败")
		return
	}
	if failed {
		s.logger.WithField("id", msg.ID).Error("[OutboxSender] 消息超过最大重试次数，标记为失败")
	}
}
