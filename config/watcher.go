// 模型目录文件的变更监听。
//
// 基于修改时间轮询，变更后重新加载并整体替换解析器目录。
package config

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// Watcher 轮询配置文件并在变更时重载模型目录。
type Watcher struct {
	loader   *Loader
	resolver *Resolver
	path     string
	interval time.Duration
	lastMod  time.Time
	logger   *zap.Logger
}

// NewWatcher 创建目录监听器。interval 不超过 0 时使用 10s。
func NewWatcher(path string, resolver *Resolver, interval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		loader:   NewLoader().WithConfigPath(path),
		resolver: resolver,
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// Run 阻塞轮询直到 ctx 取消。单个重载失败只记录日志，
// 当前目录保持不变。
func (w *Watcher) Run(ctx context.Context) {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config file stat failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping current catalog",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.resolver.Replace(cfg)
	w.logger.Info("model catalog reloaded", zap.String("path", w.path))
}
