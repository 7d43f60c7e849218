package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func record(t *testing.T, fn func(c *gin.Context)) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	fn(c)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("响应不是合法 JSON: %v", err)
	}
	return w, body
}

func TestOk(t *testing.T) {
	w, body := record(t, func(c *gin.Context) {
		Ok(c, gin.H{"id": "RMA1", "status": "APPROVED"})
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["ok"] != true || body["id"] != "RMA1" || body["status"] != "APPROVED" {
		t.Fatalf("body = %v", body)
	}
}

func TestSuccess(t *testing.T) {
	w, body := record(t, func(c *gin.Context) {
		Success(c, gin.H{"credit_number": "C-00001"})
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["success"] != true || body["credit_number"] != "C-00001" {
		t.Fatalf("body = %v", body)
	}
}

func TestFail(t *testing.T) {
	w, body := record(t, func(c *gin.Context) {
		Fail(c, http.StatusConflict, CodeAlreadyExported, "该订单已导出到记账系统")
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	if body["ok"] != false || body["error"] != CodeAlreadyExported {
		t.Fatalf("body = %v", body)
	}
	if body["message"] == "" {
		t.Fatal("message 不应为空")
	}
}
