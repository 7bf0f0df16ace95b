package config

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
)

// Resolver 基于模型目录实现 dispatch.ConfigResolver。
//
// 解析顺序：用户专属条目（按声明顺序）先于共享条目；同一层内
// 返回第一个声明了所需能力且携带凭证的条目。目录可整体替换
// （见 Replace），替换是原子的，进行中的解析不受影响。
type Resolver struct {
	mu     sync.RWMutex
	shared []dispatch.ModelConfig
	users  map[string][]dispatch.ModelConfig
	logger *zap.Logger
}

// NewResolver 从配置构造解析器。
func NewResolver(cfg *Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{logger: logger}
	r.Replace(cfg)
	return r
}

// Replace 用新配置替换整个目录。
func (r *Resolver) Replace(cfg *Config) {
	shared := make([]dispatch.ModelConfig, 0, len(cfg.Models))
	for _, e := range cfg.Models {
		shared = append(shared, e.ToModelConfig(false))
	}
	users := make(map[string][]dispatch.ModelConfig, len(cfg.UserModels))
	for identity, entries := range cfg.UserModels {
		list := make([]dispatch.ModelConfig, 0, len(entries))
		for _, e := range entries {
			list = append(list, e.ToModelConfig(true))
		}
		users[identity] = list
	}

	r.mu.Lock()
	r.shared = shared
	r.users = users
	r.mu.Unlock()

	r.logger.Info("model catalog replaced",
		zap.Int("shared_models", len(shared)),
		zap.Int("user_overrides", len(users)),
	)
}

// Resolve 实现 dispatch.ConfigResolver。
func (r *Resolver) Resolve(_ context.Context, identity string, cap dispatch.Capability) (dispatch.ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cfg := range r.users[identity] {
		if cfg.HasCapability(cap) && cfg.HasCredential() {
			return cfg, nil
		}
	}
	for _, cfg := range r.shared {
		if cfg.HasCapability(cap) && cfg.HasCredential() {
			return cfg, nil
		}
	}

	return dispatch.ModelConfig{}, &dispatch.Error{
		Code:       dispatch.ErrConfigMissing,
		Message:    fmt.Sprintf("no configured model with capability %q", cap),
		HTTPStatus: 503,
	}
}
