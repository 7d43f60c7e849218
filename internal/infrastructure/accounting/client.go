package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rmasystem/internal/config"
)

// ErrTimeout 外部调用超时。结果未知：对方可能已经入账，
// 调用方不允许盲目重试，必须先核对导出标记
var ErrTimeout = errors.New("记账系统调用超时，结果未知")

// Client 外部记账系统（簿记 SaaS）客户端
// 只实现本系统依赖的最小契约：推送一笔订单/贷记数据，换回对方的单据号
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg *config.AccountingConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ExportOrderRequest 推送给记账系统的订单数据
type ExportOrderRequest struct {
	OrderID      string `json:"order_id"`
	OrderNumber  string `json:"order_number,omitempty"`
	CreditNumber string `json:"credit_number,omitempty"`
	Customer     string `json:"customer,omitempty"`
}

type exportOrderResponse struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"` // 对方生成的发票/贷记凭证号
	Message   string `json:"message"`
}

// ExportOrder 将订单推送到记账系统，返回对方的凭证号
func (c *Client) ExportOrder(ctx context.Context, req *ExportOrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders/export", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// 超时与普通失败必须区分：超时不代表对方没入账
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		var ue interface{ Timeout() bool }
		if errors.As(err, &ue) && ue.Timeout() {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("记账系统请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取记账系统响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("记账系统返回异常状态 %d: %s", resp.StatusCode, string(respBody))
	}

	var result exportOrderResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("解析记账系统响应失败: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("记账系统拒绝导出: %s", result.Message)
	}

	return result.Reference, nil
}
