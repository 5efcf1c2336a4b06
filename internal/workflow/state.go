package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"AI-Orchestra/pkg/logger"
)

var placeholderPattern = regexp.MustCompile(`\{([^}]+)\}`)

// State 是单次工作流运行的共享变量袋。
// 并行任务批次会并发读写，内部用互斥锁串行化；
// 运行结束后随结果返回给调用方，不跨运行复用。
type State struct {
	mu        sync.Mutex
	variables map[string]any
	logger    *slog.Logger
}

// NewState 创建空状态。
func NewState() *State {
	return &State{
		variables: make(map[string]any),
		logger:    logger.Named("workflow"),
	}
}

// Set 写入变量，后续任务立即可见。
func (s *State) Set(name string, value any) {
	s.mu.Lock()
	s.variables[name] = value
	s.mu.Unlock()
	s.logger.Debug("设置工作流变量", slog.String("variable", name))
}

// Get 读取变量，第二个返回值表示变量是否存在。
func (s *State) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.variables[name]
	return value, ok
}

// Snapshot 返回当前全部变量的浅拷贝，供结果序列化使用。
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		snapshot[k] = v
	}
	return snapshot
}

// ReplaceVariables 将文本中的 {name} 占位符替换为对应变量的字符串形式。
// 未定义的占位符原样保留并记一条告警，缺失变量不应中断无关分支。
func (s *State) ReplaceVariables(text string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := s.Get(name)
		if !ok {
			s.logger.Warn("工作流变量未定义", slog.String("variable", name))
			return match
		}
		return stringify(value)
	})
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	if encoded, err := json.Marshal(value); err == nil {
		return string(encoded)
	}
	return fmt.Sprint(value)
}
