package openrouter

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

const (
	defaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	defaultTimeout  = 300 * time.Second

	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
	defaultTopP        = 0.95
)

// Config 描述调用 chat-completion 风格网关所需的信息。
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client 通过 HTTP 调用 chat-completion 风格的上游网关。
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建网关客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenRouter API Key")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Invoke 发送 chat-completion 请求并返回首个 choice 的文本内容。
func (c *Client) Invoke(ctx context.Context, req provider.Request) (string, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建上游请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamError, err, "请求上游网关失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeUpstreamError,
			fmt.Sprintf("上游返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamError, err, "解析上游响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeUpstreamError, "上游响应中没有有效的 choices")
	}

	return decoded.Choices[0].Message.Content, nil
}

func (c *Client) buildPayload(req provider.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	body := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": provider.FloatParam(req.Params, "temperature", defaultTemperature),
		"max_tokens":  provider.IntParam(req.Params, "max_tokens", defaultMaxTokens),
		"top_p":       provider.FloatParam(req.Params, "top_p", defaultTopP),
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化上游请求失败: %w", err)
	}
	return encoded, nil
}
