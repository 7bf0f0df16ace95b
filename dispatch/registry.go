package dispatch

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 管理所有分发器的注册与选择。
//
// 注册阶段在进程启动装配时完成，之后列表只读：Select 不加锁
// 读取，依赖"注册先于首次选择"的启动约定。注册本身加锁，
// 允许多个装配点并发注册。
type Registry struct {
	mu          sync.Mutex
	dispatchers []Dispatcher
	logger      *zap.Logger
}

// NewRegistry 创建空注册表。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register 追加一个分发器并按优先级降序重排。排序是稳定的：
// 同优先级时先注册者在前，这保证了能力重叠时的确定性选择
// （例如语音 Gemini 变体必须压过同名的普通 Gemini 变体，
// 靠的是显式优先级数值而不是注册顺序巧合）。
func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers = append(r.dispatchers, d)
	sort.SliceStable(r.dispatchers, func(i, j int) bool {
		return r.dispatchers[i].Priority() > r.dispatchers[j].Priority()
	})
	r.logger.Info("registered dispatcher",
		zap.String("dispatcher", d.Name()),
		zap.Int("priority", d.Priority()),
	)
}

// Select 按优先级顺序扫描，返回第一个 Supports 为真的分发器。
// 固定注册历史下同样的输入总是得到同一个分发器。
func (r *Registry) Select(platform, model string, hasVoice bool) (Dispatcher, error) {
	for _, d := range r.dispatchers {
		if d.Supports(platform, model, hasVoice) {
			r.logger.Debug("selected dispatcher",
				zap.String("dispatcher", d.Name()),
				zap.String("platform", platform),
				zap.String("model", model),
				zap.Bool("has_voice", hasVoice),
			)
			return d, nil
		}
	}
	return nil, NewUnsupportedError(platform, model, hasVoice)
}

// All 返回已注册分发器的副本（按优先级降序），主要用于诊断。
func (r *Registry) All() []Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Dispatcher, len(r.dispatchers))
	copy(out, r.dispatchers)
	return out
}

// Len 返回已注册分发器数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dispatchers)
}
