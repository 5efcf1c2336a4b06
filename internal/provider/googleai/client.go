package googleai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/provider"
)

const defaultTimeout = 300 * time.Second

// Config 描述调用图像/视频生成网关所需的信息。
// Endpoints 按媒体族（imagen、veo）给出各自的 URL。
type Config struct {
	Endpoints map[string]string
	APIKey    string
	Timeout   time.Duration
}

// Client 调用 Google AI 的图像与视频生成接口。
// 上游返回的 JSON 响应会被原样作为任务的文本结果透传。
type Client struct {
	endpoints  map[string]string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建媒体网关客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Google AI API Key")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("未配置媒体网关 endpoint")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		endpoints: cfg.Endpoints,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Invoke 根据模型标识选择媒体族并发起生成请求。
func (c *Client) Invoke(ctx context.Context, req provider.Request) (string, error) {
	family, payload, err := buildPayload(req)
	if err != nil {
		return "", err
	}

	endpoint, ok := c.endpoints[family]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("媒体族 %s 未配置 endpoint", family))
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化媒体请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("构建媒体请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamError, err, "请求媒体网关失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamError, err, "读取媒体响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", xerrors.New(xerrors.CodeUpstreamError,
			fmt.Sprintf("媒体网关返回错误状态 %d: %s", resp.StatusCode, truncate(string(body))))
	}

	// 返回图像/视频 URL 或 base64 数据的原始 JSON。
	return string(body), nil
}

func buildPayload(req provider.Request) (string, map[string]any, error) {
	model := strings.ToLower(req.Model)
	switch {
	case strings.Contains(model, "imagen"):
		return "imagen", map[string]any{
			"prompt":         req.Prompt,
			"aspectRatio":    provider.StringParam(req.Params, "aspect_ratio", "1:1"),
			"negativePrompt": provider.StringParam(req.Params, "negative_prompt", ""),
			"numberOfImages": provider.IntParam(req.Params, "num_images", 1),
		}, nil
	case strings.Contains(model, "veo"):
		return "veo", map[string]any{
			"prompt":        req.Prompt,
			"duration":      provider.IntParam(req.Params, "duration", 8),
			"aspectRatio":   provider.StringParam(req.Params, "aspect_ratio", "16:9"),
			"resolution":    provider.StringParam(req.Params, "resolution", "1080p"),
			"generateAudio": provider.BoolParam(req.Params, "generate_audio", true),
		}, nil
	default:
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("无法识别的媒体模型: %s", req.Model))
	}
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 512 {
		return text[:512] + "..."
	}
	return text
}
