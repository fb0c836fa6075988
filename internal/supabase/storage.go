package supabase

import (
	"context"
	"sync"
)

// Storage はブラウザ単位のセッション情報の保存先。
// ブラウザSDKのlocalStorageに相当する。
type Storage interface {
	// GetItem はキーの値を取得する。存在しない場合はokがfalseになる。
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	// SetItem はキーに値を保存する。
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem はキーを削除する。存在しなくてもエラーにしない。
	RemoveItem(ctx context.Context, key string) error
}

// MemoryStorage はプロセス内メモリに保存するStorage実装。
// 単一インスタンス構成と開発環境向け。
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage はMemoryStorageの新しいインスタンスを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

// GetItem はキーの値を取得する。
func (s *MemoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// SetItem はキーに値を保存する。
func (s *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

// RemoveItem はキーを削除する。
func (s *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len は保存されているキーの数を返す。
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ Storage = (*MemoryStorage)(nil)
