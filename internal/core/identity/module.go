package identity

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
)

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// 配置（可选，缺省时生成临时身份）
	Config *config.Config `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Identity *Identity
}

// ============================================================================
//                              服务提供
// ============================================================================

// ProvideServices 提供模块服务
//
// 优先级：Ephemeral > KeyFile（不存在时生成并保存）
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := config.DefaultIdentityConfig()
	cfg.Ephemeral = true
	if input.Config != nil {
		cfg = input.Config.Identity
	}

	id, err := FromConfig(cfg)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Identity: id}, nil
}

// FromConfig 按配置创建或加载身份
func FromConfig(cfg config.IdentityConfig) (*Identity, error) {
	if cfg.Ephemeral {
		id, err := Generate()
		if err != nil {
			return nil, fmt.Errorf("创建临时身份失败: %w", err)
		}
		log.Debug("使用临时身份", "peer", id.ID().ShortString())
		return id, nil
	}

	id, err := LoadOrCreate(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("加载身份失败: %w", err)
	}
	return id, nil
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
//
// 调用方已持有身份时应改用 fx.Supply 直接提供。
func Module() fx.Option {
	return fx.Module(Name,
		fx.Provide(ProvideServices),
	)
}

// 模块元信息常量
const (
	// Version 模块版本
	Version = "1.0.0"
	// Name 模块名称
	Name = "identity"
	// Description 模块描述
	Description = "身份管理模块，提供密钥生成、持久化与 PeerID 派生"
)
