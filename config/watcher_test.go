package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReloadWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 8080\n")
	loader := NewLoader().WithConfigPath(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	w := NewReloadWatcher(loader, path, initial, zap.NewNop())
	w.interval = 10 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(oldCfg, newCfg *Config) {
		reloaded <- newCfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// 修改时间粒度可能是秒级，显式改回旧时间再写入
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case newCfg := <-reloaded:
		assert.Equal(t, 9999, newCfg.Server.HTTPPort)
		assert.Equal(t, 9999, w.Current().Server.HTTPPort)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestReloadWatcher_InvalidFileKeepsCurrent(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 8080\n")
	loader := NewLoader().WithConfigPath(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	w := NewReloadWatcher(loader, path, initial, zap.NewNop())
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(":: not yaml ::"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 8080, w.Current().Server.HTTPPort)
}

func TestReloadWatcher_StartStop(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 8080\n")
	loader := NewLoader().WithConfigPath(path)
	w := NewReloadWatcher(loader, path, DefaultConfig(), zap.NewNop())

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())
	require.Error(t, w.Start(ctx))

	w.Stop()
	assert.False(t, w.IsRunning())
	// 重复 Stop 不 panic
	w.Stop()
}
