package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"testing"

	"rmasystem/internal/config"
	"rmasystem/internal/infrastructure/accounting"
	"rmasystem/internal/model"
	"rmasystem/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 集成测试需要真实的 MySQL 和 Redis：
//   TEST_MYSQL_DSN="root:testpw@tcp(127.0.0.1:3306)/rmasystem_test?charset=utf8mb4&parseTime=True&loc=Local"
//   TEST_REDIS_ADDR="127.0.0.1:6379"
func setupIntegration(t *testing.T) (*gorm.DB, *redis.Client, *config.Config, *logrus.Logger) {
	t.Helper()

	dsn := os.Getenv("TEST_MYSQL_DSN")
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if dsn == "" || redisAddr == "" {
		t.Skip("设置 TEST_MYSQL_DSN 和 TEST_REDIS_ADDR 后运行集成测试")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("连接 MySQL 失败: %v", err)
	}

	_ = db.Migrator().DropTable(
		&model.ReturnRequest{},
		&model.ReturnItem{},
		&model.ReturnLog{},
		&model.CreditNote{},
		&model.CreditNoteItem{},
		&model.ExportMarker{},
		&model.OutboxMessage{},
	)
	if err := db.AutoMigrate(
		&model.ReturnRequest{},
		&model.ReturnItem{},
		&model.ReturnLog{},
		&model.CreditNote{},
		&model.CreditNoteItem{},
		&model.ExportMarker{},
		&model.OutboxMessage{},
	); err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("连接 Redis 失败: %v", err)
	}

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				RmaEvents:    "rma_events_test",
				ExportResult: "export_result_test",
			},
		},
		Accounting: config.AccountingConfig{TimeoutSeconds: 5},
		Business: config.BusinessConfig{
			MaxRetryCount:      3,
			StaleExportMinutes: 10,
			LockTTLSeconds:     30,
		},
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return db, rdb, cfg, logger
}

func createTestRma(t *testing.T, svc *RmaService, orderNo string) *model.ReturnRequest {
	t.Helper()
	rma, err := svc.CreateRma(context.Background(), &CreateRmaRequest{
		RequestID: uuid.NewString(),
		OrderNo:   orderNo,
		Customer:  "测试客户",
		Items: []CreateRmaItem{
			{ProductID: "p1", QtyReturned: 2, Reason: "破损"},
		},
	})
	if err != nil {
		t.Fatalf("创建退货单失败: %v", err)
	}
	return rma
}

func TestWorkflow_ApproveIdempotence(t *testing.T) {
	db, rdb, cfg, logger := setupIntegration(t)
	svc := NewRmaService(db, rdb, cfg, logger)
	ctx := context.Background()

	rma := createTestRma(t, svc, "SO-1001")

	for i := 0; i < 2; i++ {
		got, err := svc.Transition(ctx, &TransitionRequest{RmaNo: rma.RmaNo, Action: model.RmaActionApprove})
		if err != nil {
			t.Fatalf("第 %d 次 approve 失败: %v", i+1, err)
		}
		if got.Status != model.RmaStatusApproved {
			t.Fatalf("status = %s", got.Status)
		}
	}

	// 重放不追加日志：日志条数 == 成功转移次数
	got, err := svc.GetRma(ctx, rma.RmaNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Log) != 1 {
		t.Fatalf("log 条数 = %d, expected 1", len(got.Log))
	}
	if got.ApprovedAt == nil {
		t.Fatal("approved_at 未写入")
	}

	// 后续又发生了其他转移，再重放 approve 必须拒绝
	if _, err := svc.Transition(ctx, &TransitionRequest{RmaNo: rma.RmaNo, Action: model.RmaActionReceive}); err != nil {
		t.Fatalf("receive 失败: %v", err)
	}
	if _, err := svc.Transition(ctx, &TransitionRequest{RmaNo: rma.RmaNo, Action: model.RmaActionApprove}); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestWorkflow_InspectValidationLeavesRecordUntouched(t *testing.T) {
	db, rdb, cfg, logger := setupIntegration(t)
	svc := NewRmaService(db, rdb, cfg, logger)
	ctx := context.Background()

	rma := createTestRma(t, svc, "SO-1002")
	if _, err := svc.Transition(ctx, &TransitionRequest{RmaNo: rma.RmaNo, Action: model.RmaActionReceive}); err != nil {
		t.Fatal(err)
	}

	// 超额分配：整批拒绝，单据不动
	_, err := svc.Transition(ctx, &TransitionRequest{
		RmaNo:  rma.RmaNo,
		Action: model.RmaActionInspect,
		Decisions: []ItemDecision{
			{ProductID: "p1", QtyCredit: 2, QtyRestock: 1},
		},
	})
	if !errors.Is(err, ErrOverAllocation) {
		t.Fatalf("expected ErrOverAllocation, got %v", err)
	}

	got, _ := svc.GetRma(ctx, rma.RmaNo)
	if got.Status != model.RmaStatusReceived {
		t.Fatalf("status = %s, 非法质检不应改变状态", got.Status)
	}
	if got.Items[0].QtyCredit != 0 {
		t.Fatalf("qty_credit = %d, 非法质检不应写入明细", got.Items[0].QtyCredit)
	}

	// 合法质检
	inspected, err := svc.Transition(ctx, &TransitionRequest{
		RmaNo:  rma.RmaNo,
		Action: model.RmaActionInspect,
		Decisions: []ItemDecision{
			{ProductID: "p1", QtyCredit: 2, QtyRestock: 0, Condition: "damaged"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if inspected.Status != model.RmaStatusInspected {
		t.Fatalf("status = %s", inspected.Status)
	}
	if inspected.Items[0].QtyCredit != 2 {
		t.Fatalf("qty_credit = %d", inspected.Items[0].QtyCredit)
	}
}

func TestWorkflow_CreditNumberingSequentialAndUnique(t *testing.T) {
	db, rdb, cfg, logger := setupIntegration(t)
	rmaSvc := NewRmaService(db, rdb, cfg, logger)
	creditSvc := NewCreditNoteService(db, rdb, cfg, logger)
	ctx := context.Background()

	const n = 5
	rmas := make([]*model.ReturnRequest, n)
	for i := 0; i < n; i++ {
		rma := createTestRma(t, rmaSvc, fmt.Sprintf("SO-20%02d", i))
		for _, action := range []string{model.RmaActionReceive, model.RmaActionInspect} {
			req := &TransitionRequest{RmaNo: rma.RmaNo, Action: action}
			if action == model.RmaActionInspect {
				req.Decisions = []ItemDecision{{ProductID: "p1", QtyCredit: 2}}
			}
			if _, err := rmaSvc.Transition(ctx, req); err != nil {
				t.Fatal(err)
			}
		}
		rmas[i] = rma
	}

	// 并发开单：编号必须两两不同，且从空库开始恰好是 C-00001..C-0000N
	pattern := regexp.MustCompile(`^C-\d{5}$`)
	var wg sync.WaitGroup
	var mu sync.Mutex
	numbers := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			note, err := creditSvc.GenerateCreditNote(ctx, &GenerateCreditNoteRequest{
				OrderID:     fmt.Sprintf("order-20%02d", i),
				OrderNumber: rmas[i].OrderNo,
				RmaID:       rmas[i].RmaNo,
			})
			if err != nil {
				t.Errorf("开单失败: %v", err)
				return
			}
			if !pattern.MatchString(note.CreditNumber) {
				t.Errorf("编号格式不符: %s", note.CreditNumber)
				return
			}
			mu.Lock()
			numbers[note.CreditNumber] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(numbers) != n {
		t.Fatalf("编号重复: %v", numbers)
	}
	for seq := 1; seq <= n; seq++ {
		if !numbers[model.FormatCreditNumber(seq)] {
			t.Fatalf("缺少编号 %s: %v", model.FormatCreditNumber(seq), numbers)
		}
	}

	// 重复为同一退货单开单：返回已有贷记单，不再占号
	again, err := creditSvc.GenerateCreditNote(ctx, &GenerateCreditNoteRequest{
		OrderID: "order-2000",
		RmaID:   rmas[0].RmaNo,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !numbers[again.CreditNumber] {
		t.Fatalf("重复开单生成了新编号: %s", again.CreditNumber)
	}

	// 退货单随之进入终态
	got, _ := rmaSvc.GetRma(ctx, rmas[0].RmaNo)
	if got.Status != model.RmaStatusCredited || got.CreditedAt == nil {
		t.Fatalf("status = %s, credited_at = %v", got.Status, got.CreditedAt)
	}
}

func TestWorkflow_ConcurrentGenerateSameRma(t *testing.T) {
	db, rdb, cfg, logger := setupIntegration(t)
	rmaSvc := NewRmaService(db, rdb, cfg, logger)
	creditSvc := NewCreditNoteService(db, rdb, cfg, logger)
	ctx := context.Background()

	rma := createTestRma(t, rmaSvc, "SO-3001")
	if _, err := rmaSvc.Transition(ctx, &TransitionRequest{RmaNo: rma.RmaNo, Action: model.RmaActionReceive}); err != nil {
		t.Fatal(err)
	}
	if _, err := rmaSvc.Transition(ctx, &TransitionRequest{
		RmaNo:     rma.RmaNo,
		Action:    model.RmaActionInspect,
		Decisions: []ItemDecision{{ProductID: "p1", QtyCredit: 2}},
	}); err != nil {
		t.Fatal(err)
	}

	// 多个请求同时为同一张退货单开单：
	// 输掉状态 CAS 的一方也必须拿到赢家开出的那张单，而不是报错
	const n = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	numbers := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			note, err := creditSvc.GenerateCreditNote(ctx, &GenerateCreditNoteRequest{
				OrderID: "order-3001",
				RmaID:   rma.RmaNo,
			})
			if err != nil {
				t.Errorf("并发开单失败: %v", err)
				return
			}
			mu.Lock()
			numbers[note.CreditNumber] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(numbers) != 1 {
		t.Fatalf("并发开单产生了多个编号: %v", numbers)
	}

	var count int64
	if err := db.Model(&model.CreditNote{}).Where("rma_no = ?", rma.RmaNo).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("贷记单行数 = %d, expected 1", count)
	}
}

// fakeExporter 统计外部调用次数的假记账客户端
type fakeExporter struct {
	mu    sync.Mutex
	calls int
	err   error
	ref   string
}

func (f *fakeExporter) ExportOrder(ctx context.Context, req *accounting.ExportOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func (f *fakeExporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWorkflow_ExportOnce(t *testing.T) {
	db, _, cfg, logger := setupIntegration(t)
	exporter := &fakeExporter{ref: "INV-8001"}
	svc := NewExportService(db, cfg, logger, exporter)
	ctx := context.Background()

	ref, err := svc.ExportOnce(ctx, "order-8001")
	if err != nil {
		t.Fatalf("首次导出失败: %v", err)
	}
	if ref != "INV-8001" {
		t.Fatalf("ref = %s", ref)
	}

	// 第二次导出在任何外部调用发生之前被拒绝
	if _, err := svc.ExportOnce(ctx, "order-8001"); !errors.Is(err, repository.ErrAlreadyExported) {
		t.Fatalf("expected ErrAlreadyExported, got %v", err)
	}
	if exporter.callCount() != 1 {
		t.Fatalf("外部调用次数 = %d, expected 1", exporter.callCount())
	}
}

func TestWorkflow_ExportFailedThenRetry(t *testing.T) {
	db, _, cfg, logger := setupIntegration(t)
	exporter := &fakeExporter{ref: "INV-8002", err: errors.New("对方校验失败")}
	svc := NewExportService(db, cfg, logger, exporter)
	ctx := context.Background()

	if _, err := svc.ExportOnce(ctx, "order-8002"); !errors.Is(err, ErrExportFailed) {
		t.Fatalf("expected ErrExportFailed, got %v", err)
	}

	markerRepo := repository.NewExportMarkerRepository(db)
	marker, err := markerRepo.GetByOrderID(ctx, "order-8002")
	if err != nil {
		t.Fatal(err)
	}
	if marker.Status != model.ExportStatusFailed {
		t.Fatalf("marker status = %s", marker.Status)
	}

	// 明确失败的导出允许接管重试
	exporter.err = nil
	if _, err := svc.ExportOnce(ctx, "order-8002"); err != nil {
		t.Fatalf("重试导出失败: %v", err)
	}
	if exporter.callCount() != 2 {
		t.Fatalf("外部调用次数 = %d, expected 2", exporter.callCount())
	}
}

// settleFailStore 抢占正常、落盘必失败的标记存储，
// 模拟外部调用成功之后写标记时存储故障的窗口
type settleFailStore struct {
	inner *repository.ExportMarkerRepository
}

func (s *settleFailStore) Claim(ctx context.Context, orderID string) (*model.ExportMarker, error) {
	return s.inner.Claim(ctx, orderID)
}

func (s *settleFailStore) MarkExported(ctx context.Context, orderID, externalRef string) error {
	return errors.New("存储连接中断")
}

func (s *settleFailStore) MarkFailed(ctx context.Context, orderID, errMsg string) error {
	return s.inner.MarkFailed(ctx, orderID, errMsg)
}

func TestWorkflow_ExportSettleFailureNeverRetries(t *testing.T) {
	db, _, cfg, logger := setupIntegration(t)
	exporter := &fakeExporter{ref: "INV-8004"}
	svc := NewExportService(db, cfg, logger, exporter)
	svc.markerRepo = &settleFailStore{inner: repository.NewExportMarkerRepository(db)}
	ctx := context.Background()

	// 外部已入账但标记写不进去：返回对账错误，绝不能重发外部调用
	if _, err := svc.ExportOnce(ctx, "order-8004"); !errors.Is(err, ErrReconcileRequired) {
		t.Fatalf("expected ErrReconcileRequired, got %v", err)
	}
	if exporter.callCount() != 1 {
		t.Fatalf("外部调用次数 = %d, expected 1", exporter.callCount())
	}

	// 标记停在 EXPORTING，后续请求被挡在任何外部调用之前
	marker, err := repository.NewExportMarkerRepository(db).GetByOrderID(ctx, "order-8004")
	if err != nil {
		t.Fatal(err)
	}
	if marker.Status != model.ExportStatusExporting {
		t.Fatalf("marker status = %s", marker.Status)
	}
	if _, err := svc.ExportOnce(ctx, "order-8004"); !errors.Is(err, repository.ErrExportInProgress) {
		t.Fatalf("expected ErrExportInProgress, got %v", err)
	}
	if exporter.callCount() != 1 {
		t.Fatalf("外部调用次数 = %d, expected 1", exporter.callCount())
	}
}

func TestWorkflow_ExportTimeoutLeavesMarkerExporting(t *testing.T) {
	db, _, cfg, logger := setupIntegration(t)
	exporter := &fakeExporter{err: accounting.ErrTimeout}
	svc := NewExportService(db, cfg, logger, exporter)
	ctx := context.Background()

	if _, err := svc.ExportOnce(ctx, "order-8003"); !errors.Is(err, ErrExportOutcomeUnknown) {
		t.Fatalf("expected ErrExportOutcomeUnknown, got %v", err)
	}

	// 结果未知：标记停在 EXPORTING，后续请求不允许自动接管
	markerRepo := repository.NewExportMarkerRepository(db)
	marker, err := markerRepo.GetByOrderID(ctx, "order-8003")
	if err != nil {
		t.Fatal(err)
	}
	if marker.Status != model.ExportStatusExporting {
		t.Fatalf("marker status = %s", marker.Status)
	}

	if _, err := svc.ExportOnce(ctx, "order-8003"); !errors.Is(err, repository.ErrExportInProgress) {
		t.Fatalf("expected ErrExportInProgress, got %v", err)
	}
	if exporter.callCount() != 1 {
		t.Fatalf("外部调用次数 = %d, expected 1", exporter.callCount())
	}
}
