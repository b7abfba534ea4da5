package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"jobmatch-go/internal/constants"
	"jobmatch-go/internal/llm"
	"jobmatch-go/internal/tracing"
	"jobmatch-go/internal/types"
)

var engineTracer = otel.Tracer("jobmatch-go/match")

// InputError 调用方输入有误（缺少user_id、找不到简历等），对应HTTP 400
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return e.Reason
}

// NewInputError 创建输入错误
func NewInputError(format string, args ...interface{}) *InputError {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}

// ResumeStore 简历存储协作方
type ResumeStore interface {
	// GetLatestResume 按uploaded_at取用户最新一份简历，不存在时返回包裹storage.ErrNotFound的错误
	GetLatestResume(ctx context.Context, userID string) (*types.Resume, error)
}

// PoolAssembler 匹配池装配协作方
type PoolAssembler interface {
	Assemble(ctx context.Context, query, location, jobType string) ([]types.JobPosting, types.PoolDiagnostics, error)
}

// QueryExtractor 查询提取协作方，保证返回非空查询
type QueryExtractor interface {
	Extract(ctx context.Context, resumeText string) string
}

// ProviderEmbedder 带服务商标识的嵌入协作方（FailoverEmbedder实现）
type ProviderEmbedder interface {
	EmbedStringsWithProvider(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, string, error)
}

// MatchExplainer 匹配解释协作方
type MatchExplainer interface {
	Explain(ctx context.Context, resumeText, jobText string) (*types.JobMatchExplanation, error)
}

// EventPublisher 匹配完成事件发布协作方，可为nil
type EventPublisher interface {
	PublishMatchCompleted(ctx context.Context, event types.MatchCompletedEvent) error
}

// NotFoundChecker 判断存储层错误是否为"记录不存在"
type NotFoundChecker func(error) bool

// EngineConfig 匹配流水线参数
type EngineConfig struct {
	MinSimilarity      float64
	TopK               int
	Workers            int
	PoolFetchTimeout   time.Duration
	EmbeddingTimeout   time.Duration
	ExplanationTimeout time.Duration
}

// Engine 匹配流水线：简历 -> 查询 -> 池装配 -> 嵌入打分 -> 阈值排序 -> 解释
type Engine struct {
	resumes    ResumeStore
	assembler  PoolAssembler
	extractor  QueryExtractor
	embedder   ProviderEmbedder
	cache      EmbeddingCache
	explainer  MatchExplainer
	publisher  EventPublisher
	isNotFound NotFoundChecker
	cfg        EngineConfig
	logger     *log.Logger
}

// EngineOption 配置Engine的可选项
type EngineOption func(*Engine)

// WithEngineLogger 注入日志记录器
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithExplainerComponent 注入解释生成器
func WithExplainerComponent(explainer MatchExplainer) EngineOption {
	return func(e *Engine) {
		e.explainer = explainer
	}
}

// WithEventPublisher 注入匹配完成事件发布器
func WithEventPublisher(publisher EventPublisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithNotFoundChecker 注入存储层"记录不存在"判定
func WithNotFoundChecker(fn NotFoundChecker) EngineOption {
	return func(e *Engine) {
		e.isNotFound = fn
	}
}

// NewEngine 创建匹配流水线
func NewEngine(resumes ResumeStore, assembler PoolAssembler, extractor QueryExtractor, embedder ProviderEmbedder, cache EmbeddingCache, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.MinSimilarity < 0 {
		cfg.MinSimilarity = 0
	}
	if cfg.TopK <= 0 {
		cfg.TopK = constants.DefaultTopK
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultMatchWorkers
	}
	if cfg.PoolFetchTimeout <= 0 {
		cfg.PoolFetchTimeout = constants.DefaultPoolFetchTimeout
	}
	if cfg.EmbeddingTimeout <= 0 {
		cfg.EmbeddingTimeout = constants.DefaultEmbeddingTimeout
	}
	if cfg.ExplanationTimeout <= 0 {
		cfg.ExplanationTimeout = constants.DefaultExplanationTimeout
	}
	if cache == nil {
		cache = NewLRUEmbeddingCache(0)
	}

	e := &Engine{
		resumes:    resumes,
		assembler:  assembler,
		extractor:  extractor,
		embedder:   embedder,
		cache:      cache,
		isNotFound: func(error) bool { return false },
		cfg:        cfg,
		logger:     log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scored 打分阶段的中间结果，poolIndex用于保证排序稳定性
type scored struct {
	job        types.JobPosting
	similarity float64
	poolIndex  int
}

// Match 执行一次完整的匹配
func (e *Engine) Match(ctx context.Context, req types.MatchRequest) (*types.MatchResponse, error) {
	ctx, span := engineTracer.Start(ctx, "match.Engine.Match")
	defer span.End()

	if req.UserID == "" {
		return nil, NewInputError("user_id is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	// 1. 取最新简历
	resume, err := e.resumes.GetLatestResume(ctx, req.UserID)
	if err != nil {
		if e.isNotFound(err) {
			return nil, NewInputError("no resume found for user %s, please upload a resume first", req.UserID)
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, fmt.Errorf("读取简历失败: %w", err)
	}
	if resume.Text == "" {
		return nil, NewInputError("resume for user %s has no extracted text", req.UserID)
	}

	// 2. 提取搜索查询并装配匹配池（同一阶段预算）
	poolCtx, cancelPool := context.WithTimeout(ctx, e.cfg.PoolFetchTimeout)
	defer cancelPool()

	searchQuery := e.extractor.Extract(poolCtx, resume.Text)
	pool, diag, err := e.assembler.Assemble(poolCtx, searchQuery, req.Location, req.JobType)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, fmt.Errorf("装配匹配池失败: %w", err)
	}
	span.SetAttributes(attribute.Int("match.pool_size", diag.PoolSize))

	if len(pool) == 0 {
		return &types.MatchResponse{
			OK:          true,
			Results:     []types.MatchResult{},
			Message:     emptyPoolMessage(diag),
			Diagnostics: diag,
		}, nil
	}

	// 3. 嵌入打分
	candidates, embedDegradations, err := e.scorePool(ctx, resume.Text, pool)
	if err != nil {
		var pue *llm.ProviderUnavailableError
		if errors.As(err, &pue) {
			tracing.RecordError(span, err, tracing.ErrorTypeProvider)
		}
		return nil, err
	}
	diag.Degradations = append(diag.Degradations, embedDegradations...)

	for _, c := range candidates {
		if c.similarity > diag.MaxSimilarity {
			diag.MaxSimilarity = c.similarity
		}
	}

	// 4. 阈值过滤 + 稳定排序（相似度降序，并列时保持池内顺序：本地在前）
	var kept []scored
	for _, c := range candidates {
		if c.similarity >= e.cfg.MinSimilarity {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].similarity != kept[j].similarity {
			return kept[i].similarity > kept[j].similarity
		}
		return kept[i].poolIndex < kept[j].poolIndex
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}

	if len(kept) == 0 {
		return &types.MatchResponse{
			OK:          true,
			Results:     []types.MatchResult{},
			Message:     belowThresholdMessage(len(candidates), diag.MaxSimilarity, e.cfg.MinSimilarity),
			Diagnostics: diag,
		}, nil
	}

	results := make([]types.MatchResult, len(kept))
	for i, c := range kept {
		results[i] = types.MatchResult{Job: c.job, Similarity: c.similarity}
	}

	// 5. 生成解释（可选）
	if req.RerankWithLLM && e.explainer != nil {
		e.explainResults(ctx, resume.Text, kept, results)
	}

	// 6. 发布匹配完成事件（尽力而为）
	if e.publisher != nil {
		event := types.MatchCompletedEvent{
			EventID:       uuid.NewString(),
			UserID:        req.UserID,
			ResumeID:      resume.ResumeID,
			ResultCount:   len(results),
			TopSimilarity: results[0].Similarity,
			CompletedAt:   time.Now(),
		}
		if pubErr := e.publisher.PublishMatchCompleted(ctx, event); pubErr != nil {
			e.logger.Printf("[MatchEngine] 发布匹配完成事件失败: %v", pubErr)
		}
	}

	return &types.MatchResponse{
		OK:          true,
		Results:     results,
		Diagnostics: diag,
	}, nil
}

// scorePool 计算简历与池内所有岗位的相似度。
// 简历向量先算并确定本次使用的服务商；岗位向量并发计算，并与简历向量同源比较。
func (e *Engine) scorePool(ctx context.Context, resumeText string, pool []types.JobPosting) ([]scored, []string, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbeddingTimeout)
	defer cancel()

	resumeVec, provider, err := e.embedText(embedCtx, "", resumeText)
	if err != nil {
		return nil, nil, fmt.Errorf("计算简历向量失败: %w", err)
	}

	var (
		mu         sync.Mutex
		candidates []scored
		skipped    int
		failed     int
		lastErr    error
	)

	g, gctx := errgroup.WithContext(embedCtx)
	g.SetLimit(e.cfg.Workers)

	for i := range pool {
		i := i
		g.Go(func() error {
			jobVec, usedProvider, embErr := e.embedText(gctx, provider, pool[i].FullText)
			mu.Lock()
			defer mu.Unlock()
			if embErr != nil {
				failed++
				lastErr = embErr
				// 单个岗位失败只降级该岗位，全部失败时整体上抛
				return nil
			}
			if usedProvider != provider {
				// 服务商在请求中途切换，向量空间不可比，丢弃该岗位
				skipped++
				return nil
			}
			candidates = append(candidates, scored{
				job:        pool[i],
				similarity: CosineSimilarity(resumeVec, jobVec),
				poolIndex:  i,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if len(candidates) == 0 && failed > 0 {
		return nil, nil, fmt.Errorf("所有岗位向量计算失败: %w", lastErr)
	}

	var degradations []string
	if failed > 0 {
		degradations = append(degradations, fmt.Sprintf("embedding failed for %d of %d postings", failed, len(pool)))
	}
	if skipped > 0 {
		degradations = append(degradations, fmt.Sprintf("%d postings skipped after provider switch", skipped))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].poolIndex < candidates[j].poolIndex
	})
	return candidates, degradations, nil
}

// embedText 带缓存的单文本嵌入。
// wantProvider非空时先查该服务商的缓存；未命中则调用嵌入服务并回填缓存。
func (e *Engine) embedText(ctx context.Context, wantProvider, text string) ([]float64, string, error) {
	if wantProvider != "" {
		if vec, ok := e.cache.Get(ctx, wantProvider, text); ok {
			return vec, wantProvider, nil
		}
	}

	vectors, provider, err := e.embedder.EmbedStringsWithProvider(ctx, []string{text})
	if err != nil {
		return nil, "", err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, "", fmt.Errorf("嵌入服务返回空向量")
	}

	e.cache.Put(ctx, provider, text, vectors[0])
	return vectors[0], provider, nil
}

// explainResults 并发为每个结果生成解释，单个失败降级为占位文案
func (e *Engine) explainResults(ctx context.Context, resumeText string, kept []scored, results []types.MatchResult) {
	explainCtx, cancel := context.WithTimeout(ctx, e.cfg.ExplanationTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(explainCtx)
	g.SetLimit(e.cfg.Workers)

	for i := range kept {
		i := i
		g.Go(func() error {
			explanation, err := e.explainer.Explain(gctx, resumeText, kept[i].job.FullText)
			if err != nil {
				e.logger.Printf("[MatchEngine] 岗位 %s 解释生成失败: %v", kept[i].job.JobID, err)
				results[i].Explanation = PlaceholderExplanation
				return nil
			}
			results[i].Explanation = explanation.Explanation
			return nil
		})
	}
	_ = g.Wait()
}

// emptyPoolMessage 匹配池为空时的提示，按诊断信息区分文案
func emptyPoolMessage(diag types.PoolDiagnostics) string {
	if diag.FilteredOut > 0 {
		return "Jobs were found, but none matched your location or job type filters. Try broadening your filters or using \"any\" for job type."
	}
	if len(diag.Degradations) > 0 {
		return "No jobs available for matching: external search was unavailable and no local jobs matched your filters. Try again later or adjust your search criteria."
	}
	return "No jobs available for matching. Check that local jobs exist, external search is configured, or adjust your location/job type filters."
}

// belowThresholdMessage 有候选但全部低于阈值时的提示
func belowThresholdMessage(total int, maxSim, threshold float64) string {
	return fmt.Sprintf(
		"Found %d jobs, but none meet the %.0f%% similarity threshold. Highest match: %.1f%%. Try uploading a more detailed resume or adding more relevant skills and experience.",
		total, threshold*100, maxSim*100)
}
