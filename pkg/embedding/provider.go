package embedding

import (
	"context"
	"fmt"
	"sync"

	"helium-rag-go/internal/config"
	"helium-rag-go/pkg/log"
)

// Factory 按模型名构造一个 Embedder 实例。
// 对本地权重型实现来说构造即加载，代价高；对 HTTP 实现来说只是建客户端。
type Factory func(cfg config.EmbeddingConfig, model string) (Embedder, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register 注册一个 provider 工厂。provider 名在启动期解析一次，
// 之后以固定的接口值参与调用，不走反射。
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

func init() {
	Register("openai", func(cfg config.EmbeddingConfig, model string) (Embedder, error) {
		return NewClient(cfg, model), nil
	})
}

// Provider 持有按模型名缓存的单槽 Embedder。
// 最近使用的模型常驻；请求另一个模型名会先构造新实例成功后再换出旧槽，
// 构造失败只影响当次请求，槽内原有实例不受污染。
// 槽读写由互斥锁保护，并发首载会串行化在同一把锁后。
type Provider struct {
	factory      Factory
	cfg          config.EmbeddingConfig
	defaultModel string

	mu       sync.Mutex
	slotName string
	slot     Embedder
}

// NewProvider 解析 provider 名并创建 Provider。未注册的名字立刻报错。
func NewProvider(providerName string, cfg config.EmbeddingConfig) (*Provider, error) {
	if providerName == "" {
		providerName = "openai"
	}
	factory, ok := lookup(providerName)
	if !ok {
		return nil, fmt.Errorf("未注册的 embedding provider: '%s'", providerName)
	}
	return &Provider{
		factory:      factory,
		cfg:          cfg,
		defaultModel: cfg.Model,
	}, nil
}

// Embed 用指定模型（为空时用默认模型）对一批文本求向量。
func (p *Provider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = p.defaultModel
	}
	embedder, err := p.embedderFor(model)
	if err != nil {
		return nil, err
	}
	return embedder.Embed(ctx, texts, model)
}

// embedderFor 返回模型对应的 Embedder，必要时加载并换槽。
func (p *Provider) embedderFor(model string) (Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slot != nil && p.slotName == model {
		return p.slot, nil
	}

	log.Infof("[EmbeddingProvider] 加载 embedding 模型 '%s' (换出 '%s')", model, p.slotName)
	embedder, err := p.factory(p.cfg, model)
	if err != nil {
		// 加载失败不动现有槽位
		return nil, fmt.Errorf("加载 embedding 模型 '%s' 失败: %w", model, err)
	}
	p.slotName = model
	p.slot = embedder
	return embedder, nil
}
