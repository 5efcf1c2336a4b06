package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/invoker"
	"AI-Orchestra/internal/workflow"
	"AI-Orchestra/pkg/logger"
)

// Category 是请求的复杂度分级。
// 字母与语义的错位是既有线上行为：L 对应深度推理模型，
// M 对应中档通用模型，H 触发完整的工作流规划与执行。
type Category string

const (
	CategoryLow    Category = "L"
	CategoryMedium Category = "M"
	CategoryHigh   Category = "H"
)

// Categorizer 按优先级给请求分级：
// 上下文超硬上限直接拒绝；超强制阈值或携带图片标记归 H；
// 其余交给分类模型低温判定，越界输出一律兜底到 H。
type Categorizer struct {
	caller          workflow.ModelCaller
	denyTokens      int
	forceHighTokens int
	model           string
	logger          *slog.Logger
}

// NewCategorizer 创建分级器。model 是分类模型的逻辑名。
func NewCategorizer(caller workflow.ModelCaller, denyTokens, forceHighTokens int, model string) *Categorizer {
	return &Categorizer{
		caller:          caller,
		denyTokens:      denyTokens,
		forceHighTokens: forceHighTokens,
		model:           model,
		logger:          logger.Named("categorizer"),
	}
}

// Categorize 返回请求的分级。上下文超过硬上限时返回 REQUEST_TOO_LARGE。
func (c *Categorizer) Categorize(ctx context.Context, message string, contextTokens int) (Category, error) {
	if contextTokens > c.denyTokens {
		return "", xerrors.New(xerrors.CodeRequestTooLarge,
			fmt.Sprintf("上下文 %d tokens 超过上限 %d", contextTokens, c.denyTokens))
	}
	if contextTokens > c.forceHighTokens {
		return CategoryHigh, nil
	}
	if containsImageMarker(message) {
		return CategoryHigh, nil
	}

	raw, err := c.caller.Call(ctx, c.model, message,
		&invoker.CallConfig{Params: map[string]any{"temperature": 0.3}})
	if err != nil {
		return "", err
	}

	category := Category(strings.ToUpper(strings.TrimSpace(raw)))
	switch category {
	case CategoryLow, CategoryMedium, CategoryHigh:
	default:
		// 不可解析的分级兜底到最强路径，绝不静默降级。
		c.logger.Warn("分类模型输出越界，兜底到 H", slog.String("raw", raw))
		category = CategoryHigh
	}
	c.logger.Info("请求分级完成", slog.String("category", string(category)))
	return category, nil
}

func containsImageMarker(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "image:") || strings.Contains(lower, "img:")
}
