package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/invoker"
	"AI-Orchestra/pkg/logger"
)

// narratorPromptPrefixLen 限制传给解说模型的失败提示词片段长度。
const narratorPromptPrefixLen = 200

// ModelCaller 是执行器对模型调用层的最小依赖。
type ModelCaller interface {
	Call(ctx context.Context, modelName, prompt string, cfg *invoker.CallConfig) (string, error)
}

// Executor 按严格的步骤顺序驱动一次工作流运行。
type Executor struct {
	caller   ModelCaller
	narrator string
	logger   *slog.Logger
}

// NewExecutor 创建执行器。narrator 为空时禁用失败解说补偿。
func NewExecutor(caller ModelCaller, narrator string) *Executor {
	return &Executor{
		caller:   caller,
		narrator: narrator,
		logger:   logger.Named("workflow"),
	}
}

// Execute 依次执行每个步骤；任一步骤失败则整个工作流中止，
// 已写入的变量保留在状态中，不做回滚。
func (e *Executor) Execute(ctx context.Context, steps []Step, state *State) error {
	for i, step := range steps {
		e.logger.Info("执行工作流步骤",
			slog.Int("step", i+1),
			slog.Int("total", len(steps)),
			slog.String("type", string(step.Type)),
			slog.Int("tasks", len(step.Tasks)))

		var err error
		switch step.Type {
		case StepParallel:
			err = e.runParallel(ctx, step.Tasks, state)
		case StepSequential:
			err = e.runSequential(ctx, step.Tasks, state)
		default:
			err = xerrors.New(xerrors.CodeWorkflowParseFailed,
				fmt.Sprintf("未知的步骤类型 %q", step.Type))
		}
		if err != nil {
			e.logger.Error("工作流步骤失败", slog.Int("step", i+1), slog.Any("error", err))
			return err
		}
	}
	return nil
}

// runSequential 顺序执行任务，后续任务可读取前序任务写入的变量。
func (e *Executor) runSequential(ctx context.Context, tasks []Task, state *State) error {
	for _, task := range tasks {
		if err := e.runTask(ctx, task, state); err != nil {
			return err
		}
	}
	return nil
}

// runParallel 并发发起全部任务并等待汇合。
// 任一任务失败则整个步骤失败，返回序号最小的失败任务的错误；
// 兄弟任务已写入的变量保留在状态中。
func (e *Executor) runParallel(ctx context.Context, tasks []Task, state *State) error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			errs[i] = e.runTask(ctx, task, state)
		}(i, task)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			e.logger.Error("并行任务失败", slog.Int("task", i), slog.Any("error", err))
			return err
		}
	}
	return nil
}

// runTask 执行单个任务：插值提示词、调用模型、写回输出变量。
// 模型调用失败时让解说模型把错误转述成面向用户的文本并以之作为任务结果；
// 解说本身也失败才向上传播原始错误。
func (e *Executor) runTask(ctx context.Context, task Task, state *State) error {
	prompt := state.ReplaceVariables(task.Prompt)
	e.logger.Info("执行任务", slog.String("model", task.Model))

	result, err := e.caller.Call(ctx, task.Model, prompt, task.Config)
	if err != nil {
		e.logger.Error("任务执行失败",
			slog.String("model", task.Model),
			slog.Any("error", err))
		narration, narrateErr := e.narrate(ctx, task.Model, prompt, err)
		if narrateErr != nil {
			return xerrors.Wrap(xerrors.CodeTaskFailure, err,
				fmt.Sprintf("任务 %s 执行失败", task.Model))
		}
		result = narration
	}

	if task.OutputVariable != "" {
		state.Set(task.OutputVariable, result)
	}
	return nil
}

func (e *Executor) narrate(ctx context.Context, model, prompt string, taskErr error) (string, error) {
	if e.narrator == "" {
		return "", taskErr
	}
	prefix := prompt
	if len(prefix) > narratorPromptPrefixLen {
		prefix = prefix[:narratorPromptPrefixLen]
	}
	narration, err := e.caller.Call(ctx, e.narrator,
		fmt.Sprintf("Task failed: %v. Model: %s. Prompt: %s...", taskErr, model, prefix),
		&invoker.CallConfig{Params: map[string]any{"temperature": 0.7}})
	if err != nil {
		e.logger.Error("失败解说生成失败", slog.Any("error", err))
		return "", err
	}
	return narration, nil
}
