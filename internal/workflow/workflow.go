package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/invoker"
)

// StepType 表示同一步骤内任务的调度方式。
type StepType string

const (
	// StepSequential 按声明顺序依次执行任务。
	StepSequential StepType = "sequential"
	// StepParallel 并发执行全部任务，汇合后步骤才算完成。
	StepParallel StepType = "parallel"
)

// Task 是步骤中的一个模型调用：提示词模板可以引用 {variable} 占位符，
// 结果可选地写回状态变量。
type Task struct {
	Model          string              `json:"model"`
	Prompt         string              `json:"prompt"`
	OutputVariable string              `json:"output_variable,omitempty"`
	Config         *invoker.CallConfig `json:"config,omitempty"`
}

// Step 是有序任务列表加调度类型。
type Step struct {
	Type  StepType `json:"type"`
	Tasks []Task   `json:"tasks"`
}

// UnmarshalJSON 在解码时归一步骤类型。
// 历史规划器输出用 inline 表示顺序、linear 表示并行，这里保持兼容。
func (s *Step) UnmarshalJSON(data []byte) error {
	type rawStep struct {
		Type  string `json:"type"`
		Tasks []Task `json:"tasks"`
	}
	var raw rawStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	stepType, err := normalizeStepType(raw.Type)
	if err != nil {
		return err
	}
	s.Type = stepType
	s.Tasks = raw.Tasks
	return nil
}

func normalizeStepType(name string) (StepType, error) {
	switch name {
	case string(StepSequential), "inline", "":
		return StepSequential, nil
	case string(StepParallel), "linear":
		return StepParallel, nil
	default:
		return "", xerrors.New(xerrors.CodeWorkflowParseFailed,
			fmt.Sprintf("未知的步骤类型 %q", name))
	}
}

// plannerDocument 是规划器模型输出的外层对象。
type plannerDocument struct {
	Workflow []Step `json:"workflow"`
}

// ParseDefinition 解析工作流定义。入参既可以是带 workflow 字段的规划器
// 输出对象，也可以是裸的步骤数组（接口层的临时工作流走这个形态）。
func ParseDefinition(data []byte) ([]Step, error) {
	var doc plannerDocument
	if err := json.Unmarshal(data, &doc); err == nil && doc.Workflow != nil {
		return validateSteps(doc.Workflow)
	}

	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWorkflowParseFailed, err, "工作流定义解析失败")
	}
	return validateSteps(steps)
}

func validateSteps(steps []Step) ([]Step, error) {
	for i, step := range steps {
		for j, task := range step.Tasks {
			if task.Model == "" {
				return nil, xerrors.New(xerrors.CodeWorkflowParseFailed,
					fmt.Sprintf("步骤 %d 任务 %d 缺少 model 字段", i+1, j+1))
			}
			if task.Prompt == "" {
				return nil, xerrors.New(xerrors.CodeWorkflowParseFailed,
					fmt.Sprintf("步骤 %d 任务 %d 缺少 prompt 字段", i+1, j+1))
			}
		}
	}
	return steps, nil
}

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	braceSpanPattern  = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractJSON 从模型原始输出中提取 JSON 文本：
// 先找 Markdown 围栏代码块，再找首个 {...} 片段，都没有则原文返回。
func ExtractJSON(text string) string {
	if match := fencedJSONPattern.FindStringSubmatch(text); match != nil {
		return match[1]
	}
	if match := braceSpanPattern.FindString(text); match != "" {
		return match
	}
	return text
}
