package handler

import (
	"database/sql/driver"
	"errors"
	"net/http"

	"rmasystem/internal/config"
	"rmasystem/internal/model"
	"rmasystem/internal/repository"
	"rmasystem/internal/service"
	"rmasystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	rmaService    *service.RmaService
	creditService *service.CreditNoteService
	exportService *service.ExportService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, logger *logrus.Logger, exporter service.Exporter) *Handler {
	return &Handler{
		rmaService:    service.NewRmaService(db, rdb, cfg, logger),
		creditService: service.NewCreditNoteService(db, rdb, cfg, logger),
		exportService: service.NewExportService(db, cfg, logger, exporter),
	}
}

// writeError 业务错误 -> HTTP 状态码 + 机器可读错误码，全部在一处映射
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrRmaNotFound), errors.Is(err, repository.ErrCreditNoteNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, repository.ErrInvalidTransition):
		response.Fail(c, http.StatusBadRequest, response.CodeInvalidTransition, err.Error())
	case errors.Is(err, service.ErrUnknownItem):
		response.Fail(c, http.StatusBadRequest, response.CodeUnknownItem, err.Error())
	case errors.Is(err, service.ErrOverAllocation):
		response.Fail(c, http.StatusBadRequest, response.CodeOverAllocation, err.Error())
	case errors.Is(err, repository.ErrAlreadyExported):
		response.Fail(c, http.StatusConflict, response.CodeAlreadyExported, err.Error())
	case errors.Is(err, repository.ErrExportInProgress):
		response.Fail(c, http.StatusConflict, response.CodeExportInProgress, err.Error())
	case errors.Is(err, service.ErrExportFailed),
		errors.Is(err, service.ErrExportOutcomeUnknown),
		errors.Is(err, service.ErrReconcileRequired):
		response.Fail(c, http.StatusInternalServerError, response.CodeExportFailed, err.Error())
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysqlDriver.ErrInvalidConn):
		// 存储连接层故障与普通服务器错误区分开，调用方可据此退避重试
		response.Fail(c, http.StatusInternalServerError, response.CodeStoreUnavailable, "存储暂不可用，请稍后重试")
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 退货单相关接口
// ============================================================

// CreateRma 创建退货单
// POST /api/v1/rma/create
func (h *Handler) CreateRma(c *gin.Context) {
	var req service.CreateRmaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rma, err := h.rmaService.CreateRma(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Ok(c, gin.H{
		"id":     rma.RmaNo,
		"rma_no": rma.RmaNo,
		"status": rma.Status,
	})
}

// ApproveRma 审批退货申请
// POST /api/v1/rma/approve
func (h *Handler) ApproveRma(c *gin.Context) {
	var req struct {
		ID   string `json:"id" binding:"required"`
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rma, err := h.rmaService.Transition(c.Request.Context(), &service.TransitionRequest{
		RmaNo:  req.ID,
		Action: model.RmaActionApprove,
		Note:   req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Ok(c, gin.H{
		"id":     rma.RmaNo,
		"status": rma.Status,
	})
}

// ReceiveRma 仓库确认收货
// POST /api/v1/rma/receive
func (h *Handler) ReceiveRma(c *gin.Context) {
	var req struct {
		RmaID string `json:"rmaId" binding:"required"`
		Note  string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	_, err := h.rmaService.Transition(c.Request.Context(), &service.TransitionRequest{
		RmaNo:  req.RmaID,
		Action: model.RmaActionReceive,
		Note:   req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{})
}

// InspectRma 提交质检决定
// POST /api/v1/rma/inspect
//
// 整批决定要么全部生效要么全部拒绝，单据不存在中间状态
func (h *Handler) InspectRma(c *gin.Context) {
	var req struct {
		ID        string                 `json:"id" binding:"required"`
		Note      string                 `json:"note"`
		Decisions []service.ItemDecision `json:"decisions" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rma, err := h.rmaService.Transition(c.Request.Context(), &service.TransitionRequest{
		RmaNo:     req.ID,
		Action:    model.RmaActionInspect,
		Note:      req.Note,
		Decisions: req.Decisions,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Ok(c, gin.H{
		"id":     rma.RmaNo,
		"status": rma.Status,
	})
}

// RejectRma 拒绝退货，除已开贷记单外任何状态都可执行
// POST /api/v1/rma/reject
func (h *Handler) RejectRma(c *gin.Context) {
	var req struct {
		ID   string `json:"id" binding:"required"`
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rma, err := h.rmaService.Transition(c.Request.Context(), &service.TransitionRequest{
		RmaNo:  req.ID,
		Action: model.RmaActionReject,
		Note:   req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Ok(c, gin.H{
		"id":     rma.RmaNo,
		"status": rma.Status,
	})
}

// GetRma 查询退货单详情（含明细与操作日志）
// GET /api/v1/rma/detail?rma_no=xxx
func (h *Handler) GetRma(c *gin.Context) {
	rmaNo := c.Query("rma_no")
	if rmaNo == "" {
		response.ParamError(c, "rma_no 参数不能为空")
		return
	}

	rma, err := h.rmaService.GetRma(c.Request.Context(), rmaNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Ok(c, gin.H{"rma": rma})
}

// ============================================================
// 贷记单相关接口
// ============================================================

// GenerateCreditNote 开具贷记单
// POST /api/v1/credit/generate
func (h *Handler) GenerateCreditNote(c *gin.Context) {
	var req service.GenerateCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	note, err := h.creditService.GenerateCreditNote(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"credit_id":     note.ID,
		"credit_number": note.CreditNumber,
	})
}

// GetCreditNote 查询贷记单
// GET /api/v1/credit/detail?credit_number=xxx
func (h *Handler) GetCreditNote(c *gin.Context) {
	creditNumber := c.Query("credit_number")
	if creditNumber == "" {
		response.ParamError(c, "credit_number 参数不能为空")
		return
	}

	note, err := h.creditService.GetByCreditNumber(c.Request.Context(), creditNumber)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Ok(c, gin.H{"credit_note": note})
}

// ============================================================
// 记账导出接口
// ============================================================

// ExportToAccounting 导出订单到外部记账系统
// POST /api/v1/export/accounting
//
// 同一订单最多成功导出一次，重复请求在任何外部调用发生之前被拒绝
func (h *Handler) ExportToAccounting(c *gin.Context) {
	var req struct {
		OrderID string `json:"orderId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	externalRef, err := h.exportService.ExportOnce(c.Request.Context(), req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_id":  req.OrderID,
		"reference": externalRef,
	})
}
