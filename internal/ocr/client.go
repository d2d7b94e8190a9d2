package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client 车牌识别服务客户端
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient 创建 OCR 客户端，超时由调用方的 context 控制
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type recognizeRequest struct {
	Image string `json:"image"`
}

// recognizeResponse 识别结果，兼容旧版服务的 licensePlate 字段
type recognizeResponse struct {
	Success          bool    `json:"success"`
	PlateText        string  `json:"plateText"`
	LicensePlate     string  `json:"licensePlate"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	Error            string  `json:"error,omitempty"`
}

// Recognize 识别 base64 图片中的车牌，没有识别出文字时返回空串
func (c *Client) Recognize(ctx context.Context, image string) (string, error) {
	payload, err := json.Marshal(recognizeRequest{Image: image})
	if err != nil {
		return "", fmt.Errorf("marshal recognize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recognize", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create recognize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("recognize failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode recognize response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("recognize failed: %s", out.Error)
	}

	text := out.PlateText
	if text == "" {
		text = out.LicensePlate
	}
	// 多段结果以 * 连接
	return strings.ReplaceAll(text, "*", ""), nil
}
