package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/invoker"
	"AI-Orchestra/internal/workflow"
	"AI-Orchestra/pkg/logger"
)

// seedVariable 是播种进工作流状态的原始用户消息变量名。
const seedVariable = "user_message"

// Route 是单个分级的路由目标。
type Route struct {
	Model             string
	FastResponseModel string
}

// Config 汇总路由层的全部配置。
type Config struct {
	DenyTokens       int
	ForceHighTokens  int
	Routes           map[Category]Route
	CategorizerModel string
	NarratorModel    string
}

// Router 是请求处理的顶层入口。
type Router struct {
	caller      workflow.ModelCaller
	categorizer *Categorizer
	executor    *workflow.Executor
	routes      map[Category]Route
	logger      *slog.Logger
}

// New 创建路由器。
func New(caller workflow.ModelCaller, cfg Config) *Router {
	return &Router{
		caller:      caller,
		categorizer: NewCategorizer(caller, cfg.DenyTokens, cfg.ForceHighTokens, cfg.CategorizerModel),
		executor:    workflow.NewExecutor(caller, cfg.NarratorModel),
		routes:      cfg.Routes,
		logger:      logger.Named("router"),
	}
}

// ProcessRequest 处理一条用户消息并返回面向用户的文本。
// 低/中分级直接调用对应模型；高分级走规划器 + 工作流执行，
// 规划或执行失败时返回带确认语的降级响应而非错误。
func (r *Router) ProcessRequest(ctx context.Context, message string, contextTokens int) (string, error) {
	r.logger.Info("处理请求", slog.Int("context_tokens", contextTokens))

	category, err := r.categorizer.Categorize(ctx, message, contextTokens)
	if err != nil {
		return "", err
	}

	route, ok := r.routes[category]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("分级 %s 未配置路由", category))
	}

	switch category {
	case CategoryLow, CategoryMedium:
		return r.caller.Call(ctx, route.Model, message,
			&invoker.CallConfig{Params: map[string]any{"temperature": 0.7}})
	case CategoryHigh:
		return r.processHighTier(ctx, message, route)
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知分级 %s", category))
}

// processHighTier 先发确认语，再让规划模型产出 JSON 工作流并执行。
// 确认语一旦拿到，后续任何失败都只产生降级响应。
func (r *Router) processHighTier(ctx context.Context, message string, route Route) (string, error) {
	ack, err := r.caller.Call(ctx, route.FastResponseModel,
		fmt.Sprintf("User requested: %s. Acknowledge that you're working on it.", message),
		&invoker.CallConfig{Params: map[string]any{"temperature": 0.7}})
	if err != nil {
		return "", err
	}
	r.logger.Info("已发送快速确认")

	plannerPrompt := fmt.Sprintf(`User request: %s

Create a JSON workflow to fulfill this request. Output ONLY valid JSON in the format specified in your system prompt.`, message)

	planned, err := r.caller.Call(ctx, route.Model, plannerPrompt,
		&invoker.CallConfig{Params: map[string]any{"temperature": 0.7}})
	if err != nil {
		r.logger.Error("规划模型调用失败", slog.Any("error", err))
		return fmt.Sprintf("Error: Could not create workflow. %s", ack), nil
	}

	steps, err := workflow.ParseDefinition([]byte(workflow.ExtractJSON(planned)))
	if err != nil {
		r.logger.Error("工作流 JSON 解析失败", slog.Any("error", err))
		return fmt.Sprintf("Error: Could not create workflow. %s", ack), nil
	}

	state := workflow.NewState()
	state.Set(seedVariable, message)

	if err := r.executor.Execute(ctx, steps, state); err != nil {
		r.logger.Error("工作流执行失败", slog.Any("error", err))
		return fmt.Sprintf("%s\n\nError during execution: %v", ack, err), nil
	}

	if completion, ok := state.Get("completion_message"); ok {
		return fmt.Sprintf("%s\n\n%v", ack, completion), nil
	}

	// 没有显式完成语时返回全部非种子变量。
	results := state.Snapshot()
	delete(results, seedVariable)
	encoded, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		encoded = []byte(fmt.Sprint(results))
	}
	return fmt.Sprintf("%s\n\nResults:\n%s", ack, encoded), nil
}

// ExecuteWorkflow 执行一个预先解析好的临时工作流（接口层直传定义），
// 返回运行结束后的全部变量。
func (r *Router) ExecuteWorkflow(ctx context.Context, steps []workflow.Step, seed map[string]any) (map[string]any, error) {
	state := workflow.NewState()
	for name, value := range seed {
		state.Set(name, value)
	}
	if err := r.executor.Execute(ctx, steps, state); err != nil {
		return nil, err
	}
	return state.Snapshot(), nil
}
