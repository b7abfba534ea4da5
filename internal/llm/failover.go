package llm

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ProviderUnavailableError 主备服务商在同一次调用中都失败
type ProviderUnavailableError struct {
	Operation    string // "embedding" 或 "completion"
	Primary      string
	Secondary    string
	PrimaryErr   error
	SecondaryErr error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s服务商均不可用: %s(%v); %s(%v)",
		e.Operation, e.Primary, e.PrimaryErr, e.Secondary, e.SecondaryErr)
}

// failoverState 两态偏好状态。
// 默认优先主服务商；主失败且备成功后，后续调用优先备；
// 冷却期过后恢复优先主。每次调用最多一次降级尝试。
type failoverState struct {
	mu              sync.Mutex
	preferSecondary bool
	switchedAt      time.Time
	cooldown        time.Duration
	now             func() time.Time
}

func newFailoverState(cooldown time.Duration) *failoverState {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &failoverState{
		cooldown: cooldown,
		now:      time.Now,
	}
}

// secondaryPreferred 返回当前是否优先备服务商，冷却期到点时顺带复位
func (s *failoverState) secondaryPreferred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preferSecondary && s.now().Sub(s.switchedAt) >= s.cooldown {
		s.preferSecondary = false
	}
	return s.preferSecondary
}

// noteFailover 记录一次主失败、备成功的切换
func (s *failoverState) noteFailover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferSecondary = true
	s.switchedAt = s.now()
}

// noteRecovery 记录主服务商恢复可用
func (s *failoverState) noteRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferSecondary = false
}

// FailoverEmbedder 带主备切换的Embedder。
// 先调当前偏好的服务商，失败后尝试另一个；都失败时返回 ProviderUnavailableError。
type FailoverEmbedder struct {
	primary       embedding.Embedder
	secondary     embedding.Embedder
	primaryName   string
	secondaryName string
	state         *failoverState
	logger        *log.Logger
}

// NewFailoverEmbedder 创建带主备切换的Embedder
func NewFailoverEmbedder(primary embedding.Embedder, primaryName string, secondary embedding.Embedder, secondaryName string, cooldown time.Duration, logger *log.Logger) *FailoverEmbedder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &FailoverEmbedder{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		state:         newFailoverState(cooldown),
		logger:        logger,
	}
}

// EmbedStringsWithProvider 执行嵌入并返回实际使用的服务商标识。
// 缓存键需要区分服务商，不同服务商的向量空间不可混用。
func (f *FailoverEmbedder) EmbedStringsWithProvider(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, string, error) {
	first, firstName := f.primary, f.primaryName
	second, secondName := f.secondary, f.secondaryName
	preferSecondary := f.state.secondaryPreferred()
	if preferSecondary {
		first, firstName = f.secondary, f.secondaryName
		second, secondName = f.primary, f.primaryName
	}

	vectors, firstErr := first.EmbedStrings(ctx, texts, opts...)
	if firstErr == nil {
		if firstName == f.primaryName {
			f.state.noteRecovery()
		}
		return vectors, firstName, nil
	}

	// 上游取消/超时不做降级，直接上抛
	if ctx.Err() != nil {
		return nil, "", firstErr
	}

	f.logger.Printf("[FailoverEmbedder] %s 失败，尝试 %s: %v", firstName, secondName, firstErr)

	vectors, secondErr := second.EmbedStrings(ctx, texts, opts...)
	if secondErr == nil {
		if secondName == f.secondaryName {
			f.state.noteFailover()
		} else {
			f.state.noteRecovery()
		}
		return vectors, secondName, nil
	}

	return nil, "", &ProviderUnavailableError{
		Operation:    "embedding",
		Primary:      f.primaryName,
		Secondary:    f.secondaryName,
		PrimaryErr:   pickErr(preferSecondary, secondErr, firstErr),
		SecondaryErr: pickErr(preferSecondary, firstErr, secondErr),
	}
}

// EmbedStrings 实现 embedding.Embedder 接口
func (f *FailoverEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	vectors, _, err := f.EmbedStringsWithProvider(ctx, texts, opts...)
	return vectors, err
}

// ActiveProvider 返回当前偏好的服务商标识
func (f *FailoverEmbedder) ActiveProvider() string {
	if f.state.secondaryPreferred() {
		return f.secondaryName
	}
	return f.primaryName
}

var _ embedding.Embedder = (*FailoverEmbedder)(nil)

// pickErr 按偏好方向归位主/备的错误
func pickErr(preferSecondary bool, whenSecondary, whenPrimary error) error {
	if preferSecondary {
		return whenSecondary
	}
	return whenPrimary
}

// FailoverChatModel 带主备切换的对话模型，切换语义与 FailoverEmbedder 一致
type FailoverChatModel struct {
	primary       model.ToolCallingChatModel
	secondary     model.ToolCallingChatModel
	primaryName   string
	secondaryName string
	state         *failoverState
	logger        *log.Logger
}

// NewFailoverChatModel 创建带主备切换的对话模型
func NewFailoverChatModel(primary model.ToolCallingChatModel, primaryName string, secondary model.ToolCallingChatModel, secondaryName string, cooldown time.Duration, logger *log.Logger) *FailoverChatModel {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &FailoverChatModel{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		state:         newFailoverState(cooldown),
		logger:        logger,
	}
}

// Generate 实现 model.ChatModel 接口
func (f *FailoverChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	first, firstName := f.primary, f.primaryName
	second, secondName := f.secondary, f.secondaryName
	preferSecondary := f.state.secondaryPreferred()
	if preferSecondary {
		first, firstName = f.secondary, f.secondaryName
		second, secondName = f.primary, f.primaryName
	}

	msg, firstErr := first.Generate(ctx, messages, options...)
	if firstErr == nil {
		if firstName == f.primaryName {
			f.state.noteRecovery()
		}
		return msg, nil
	}

	if ctx.Err() != nil {
		return nil, firstErr
	}

	f.logger.Printf("[FailoverChatModel] %s 失败，尝试 %s: %v", firstName, secondName, firstErr)

	msg, secondErr := second.Generate(ctx, messages, options...)
	if secondErr == nil {
		if secondName == f.secondaryName {
			f.state.noteFailover()
		} else {
			f.state.noteRecovery()
		}
		return msg, nil
	}

	return nil, &ProviderUnavailableError{
		Operation:    "completion",
		Primary:      f.primaryName,
		Secondary:    f.secondaryName,
		PrimaryErr:   pickErr(preferSecondary, secondErr, firstErr),
		SecondaryErr: pickErr(preferSecondary, firstErr, secondErr),
	}
}

// Stream 实现 model.ChatModel 接口 (未实现)
func (f *FailoverChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("FailoverChatModel 的 Stream 方法未实现")
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (f *FailoverChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

var _ model.ToolCallingChatModel = (*FailoverChatModel)(nil)
