package handler

import (
	"rmasystem/internal/config"
	"rmasystem/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, logger *logrus.Logger, exporter service.Exporter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, cfg, logger, exporter)

	api := r.Group("/api/v1")
	{
		// 退货单
		rma := api.Group("/rma")
		{
			rma.POST("/create", h.CreateRma)
			rma.POST("/approve", h.ApproveRma)
			rma.POST("/receive", h.ReceiveRma)
			rma.POST("/inspect", h.InspectRma)
			rma.POST("/reject", h.RejectRma)
			rma.GET("/detail", h.GetRma)
		}

		// 贷记单
		credit := api.Group("/credit")
		{
			credit.POST("/generate", h.GenerateCreditNote)
			credit.GET("/detail", h.GetCreditNote)
		}

		// 记账导出
		export := api.Group("/export")
		{
			export.POST("/accounting", h.ExportToAccounting)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
