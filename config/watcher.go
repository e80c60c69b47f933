// 配置文件变更监听器实现。
//
// 轮询配置文件修改时间，变更后重新加载并通知回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 配置重载成功后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// ReloadWatcher 监听配置文件并在变更时重载
//
// 重载失败保留当前配置，只记日志。回调在监听 goroutine
// 中同步执行，耗时操作由回调方自行异步化。
type ReloadWatcher struct {
	mu sync.RWMutex

	loader   *Loader
	path     string
	interval time.Duration

	current   *Config
	callbacks []ReloadCallback
	lastMod   time.Time

	running  bool
	stopChan chan struct{}
	logger   *zap.Logger
}

// NewReloadWatcher 创建配置监听器
func NewReloadWatcher(loader *Loader, path string, initial *Config, logger *zap.Logger) *ReloadWatcher {
	return &ReloadWatcher{
		loader:   loader,
		path:     path,
		interval: time.Second,
		current:  initial,
		stopChan: make(chan struct{}),
		logger:   logger.With(zap.String("component", "config_watcher")),
	}
}

// OnReload 注册重载回调
func (w *ReloadWatcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current 返回当前生效的配置
func (w *ReloadWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start 开始监听
func (w *ReloadWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 停止监听
func (w *ReloadWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopChan)
	w.running = false
	w.logger.Info("config watcher stopped")
}

// IsRunning 报告监听器是否在运行
func (w *ReloadWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *ReloadWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkAndReload()
		}
	}
}

// checkAndReload 检查修改时间，变更时重载并通知
func (w *ReloadWatcher) checkAndReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		// 文件暂时不可见，等它回来
		return
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	newCfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping current config",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	oldCfg := w.current
	w.current = newCfg
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}
