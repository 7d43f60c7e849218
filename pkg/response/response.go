package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 机器可读错误码，HTTP 状态码之外再给调用方一个稳定的判断依据
const (
	CodeParamError        = "PARAM_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnknownItem       = "UNKNOWN_ITEM"
	CodeOverAllocation    = "OVER_ALLOCATION"
	CodeAlreadyExported   = "ALREADY_EXPORTED"
	CodeExportInProgress  = "EXPORT_IN_PROGRESS"
	CodeExportFailed      = "EXPORT_FAILED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeServerError       = "SERVER_ERROR"
)

// Ok 返回 {"ok":true, ...}，后台管理接口使用该形式
func Ok(c *gin.Context, data gin.H) {
	body := gin.H{"ok": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// Success 返回 {"success":true, ...}，收货/开单等老接口沿用该形式
func Success(c *gin.Context, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// Fail 统一失败结构：{"ok":false, "error":<code>, "message":<人话>}
func Fail(c *gin.Context, httpStatus int, code, message string) {
	c.JSON(httpStatus, gin.H{
		"ok":      false,
		"error":   code,
		"message": message,
	})
}

func ParamError(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, CodeParamError, message)
}

func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, CodeNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, CodeServerError, message)
}
