package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 将会话保存在进程内存中，进程退出即丢失。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get 返回会话的副本。
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := &Session{
		ID:        stored.ID,
		CreatedAt: stored.CreatedAt,
		Messages:  append([]Message(nil), stored.Messages...),
	}
	return clone, nil
}

// Append 追加一条消息，会话不存在时自动建档。
func (s *MemoryStore) Append(_ context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[id]
	if !ok {
		stored = &Session{ID: id, CreatedAt: s.now().UTC()}
		s.sessions[id] = stored
	}
	stored.Messages = append(stored.Messages, msg)
	return nil
}

// Delete 删除会话。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Stats 返回会话与消息总量。
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{ActiveSessions: len(s.sessions)}
	for _, stored := range s.sessions {
		stats.TotalMessages += len(stored.Messages)
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
