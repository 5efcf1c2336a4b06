// Package session 维护会话级的对话历史：接口层用它串联多轮对话，
// 并用历史长度粗估上下文 token 数喂给请求分级。
package session

import (
	"context"
	"time"

	xerrors "AI-Orchestra/internal/errors"
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
)

// ErrNotFound 表示指定的会话不存在。
var ErrNotFound = xerrors.New(CodeSessionNotFound, "session not found")

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Message 是会话中的一条消息。
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session 是一个会话及其完整历史。
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Stats 汇总存储中的会话规模。
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalMessages  int `json:"total_messages"`
}

// Store 抽象会话存储。Append 对不存在的会话自动建档。
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, msg Message) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// EstimateContextTokens 用历史文本长度粗估上下文 token 数，
// 按平均每 4 个字符一个 token 折算。
func EstimateContextTokens(s *Session) int {
	if s == nil {
		return 0
	}
	var chars int
	for _, msg := range s.Messages {
		chars += len(msg.Content)
	}
	return chars / 4
}
