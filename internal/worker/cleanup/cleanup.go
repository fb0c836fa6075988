// Package cleanup はブラウザごとに保持しているセッションと編集中フォームの定期破棄ジョブを提供する。
// 一定時間アクセスのないブラウザの状態をメモリから取り除く。
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval は破棄処理の既定の実行間隔。
const DefaultInterval = 5 * time.Minute

// Sweeper はアイドル状態のエントリを破棄できるコレクション。
// session.Registryとpreference.Editorsが満たす。
type Sweeper interface {
	// Sweep はnow時点でアイドル期間を超えたエントリを破棄し、破棄した数を返す。
	Sweep(now time.Time) int
	// Len は保持しているエントリの数を返す。
	Len() int
}

// ActiveSessionsGauge は保持中のセッション数を記録するインターフェース。
type ActiveSessionsGauge interface {
	SetActiveSessions(n int)
}

// Result は1回の破棄処理の結果。
type Result struct {
	SessionsRemoved int
	EditorsRemoved  int
	ActiveSessions  int
}

// SweepJob はアイドル状態のセッションと編集中フォームを破棄するジョブ。
// 冪等: 破棄対象がない場合は何もしない。
type SweepJob struct {
	sessions Sweeper
	editors  Sweeper
	gauge    ActiveSessionsGauge
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweepJob は新しいSweepJobを生成する。gaugeはnilでもよい。
func NewSweepJob(sessions, editors Sweeper, gauge ActiveSessionsGauge, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		sessions: sessions,
		editors:  editors,
		gauge:    gauge,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce はアイドル状態のエントリを1回破棄し、保持中のセッション数を記録する。
func (j *SweepJob) RunOnce() Result {
	start := j.now()

	res := Result{
		SessionsRemoved: j.sessions.Sweep(start),
		EditorsRemoved:  j.editors.Sweep(start),
		ActiveSessions:  j.sessions.Len(),
	}
	if j.gauge != nil {
		j.gauge.SetActiveSessions(res.ActiveSessions)
	}

	if res.SessionsRemoved > 0 || res.EditorsRemoved > 0 {
		j.logger.Info("アイドル状態のセッションを破棄しました",
			slog.Int("sessions_removed", res.SessionsRemoved),
			slog.Int("editors_removed", res.EditorsRemoved),
			slog.Int("active_sessions", res.ActiveSessions),
		)
	}
	return res
}

// Start はintervalごとにRunOnceを実行する。intervalが0以下の場合はDefaultIntervalを使う。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップジョブを開始しました", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}
