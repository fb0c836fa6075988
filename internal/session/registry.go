package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultStartTimeout はManager起動時のセッション取得のタイムアウト。
const defaultStartTimeout = 10 * time.Second

// ProviderFactory はブラウザIDに対応するProviderを生成する。
type ProviderFactory func(browserID string) Provider

type registryEntry struct {
	manager  *Manager
	lastSeen time.Time
}

// Registry はブラウザIDごとにManagerを保持する。
// Managerは初回アクセス時に生成・起動され、一定時間アクセスがなければSweepで破棄される。
type Registry struct {
	factory      ProviderFactory
	logger       *slog.Logger
	idleTimeout  time.Duration
	startTimeout time.Duration
	opts         []Option
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

// NewRegistry はRegistryの新しいインスタンスを生成する。
// optsは生成されるすべてのManagerに適用される。
func NewRegistry(factory ProviderFactory, idleTimeout time.Duration, logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{
		factory:      factory,
		logger:       logger,
		idleTimeout:  idleTimeout,
		startTimeout: defaultStartTimeout,
		opts:         opts,
		now:          time.Now,
		entries:      make(map[string]*registryEntry),
	}
}

// Get はブラウザIDに対応するManagerを返す。存在しなければ生成して起動する。
// 起動時のセッション取得はリクエストのキャンセルに影響されない。
func (r *Registry) Get(ctx context.Context, browserID string) *Manager {
	r.mu.Lock()
	if e, ok := r.entries[browserID]; ok {
		e.lastSeen = r.now()
		r.mu.Unlock()
		return e.manager
	}

	m := NewManager(r.factory(browserID), r.logger.With(slog.String("browser_id", browserID)), r.opts...)
	if r.closed {
		r.mu.Unlock()
		m.Close()
		return m
	}
	r.entries[browserID] = &registryEntry{manager: m, lastSeen: r.now()}
	r.mu.Unlock()

	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.startTimeout)
	defer cancel()
	if err := m.Start(startCtx); err != nil {
		r.logger.Warn("セッションマネージャの起動時にセッションを取得できませんでした",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
	}
	return m
}

// Lookup は既存のManagerを返す。生成はしない。
func (r *Registry) Lookup(browserID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[browserID]
	if !ok {
		return nil, false
	}
	return e.manager, true
}

// Remove はブラウザIDのManagerを破棄する。
func (r *Registry) Remove(browserID string) {
	r.mu.Lock()
	e, ok := r.entries[browserID]
	delete(r.entries, browserID)
	r.mu.Unlock()

	if ok {
		e.manager.Close()
	}
}

// Sweep はnow時点でidleTimeoutを超えてアクセスのないManagerを破棄し、破棄した数を返す。
// 状態の変化を購読中のManagerは使用中とみなし、最終アクセス時刻を更新する。
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var idle []*Manager
	for id, e := range r.entries {
		if e.manager.Watching() {
			e.lastSeen = now
			continue
		}
		if now.Sub(e.lastSeen) > r.idleTimeout {
			idle = append(idle, e.manager)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		m.Close()
	}
	return len(idle)
}

// Len は保持しているManagerの数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close はすべてのManagerを破棄する。以降のGetは起動済みでないManagerを返す。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	managers := make([]*Manager, 0, len(r.entries))
	for id, e := range r.entries {
		managers = append(managers, e.manager)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
	r.logger.Info("セッションマネージャをすべて停止しました", slog.Int("count", len(managers)))
}
