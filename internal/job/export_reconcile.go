package job

import (
	"context"
	"time"

	"rmasystem/internal/config"
	"rmasystem/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExportReconcileJob 导出对账任务
//
// EXPORTING 状态停留过久说明外部调用结果未知（超时、进程崩溃等），
// 外部系统可能已入账。这种标记绝不能自动重试 —— 会重复入账，
// 只能定期报告出来，由运营人工核对后处置
type ExportReconcileJob struct {
	db         *gorm.DB
	markerRepo *repository.ExportMarkerRepository
	cfg        *config.Config
	logger     *logrus.Logger
	interval   time.Duration
	batchSize  int
}

func NewExportReconcileJob(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) *ExportReconcileJob {
	return &ExportReconcileJob{
		db:         db,
		markerRepo: repository.NewExportMarkerRepository(db),
		cfg:        cfg,
		logger:     logger,
		interval:   time.Minute,
		batchSize:  50,
	}
}

func (j *ExportReconcileJob) Start(ctx context.Context) {
	j.logger.Info("[ExportReconcileJob] 导出对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("[ExportReconcileJob] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			j.reportStaleMarkers(ctx)
		}
	}
}

func (j *ExportReconcileJob) reportStaleMarkers(ctx context.Context) {
	staleAfter := time.Duration(j.cfg.Business.StaleExportMinutes) * time.Minute
	before := time.Now().Add(-staleAfter)

	markers, err := j.markerRepo.GetStaleExporting(ctx, before, j.batchSize)
	if err != nil {
		j.logger.WithField("err", err.Error()).Error("[ExportReconcileJob] 查询过期标记失败")
		return
	}

	for _, m := range markers {
		j.logger.WithFields(logrus.Fields{
			"order_id":           m.OrderID,
			"stuck_since":        m.UpdatedAt.Format(time.RFC3339),
			"reconcile_required": true,
		}).Warn("[ExportReconcileJob] 导出标记长期处于 EXPORTING，结果未知，需要人工对账")
	}
}
