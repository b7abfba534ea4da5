package match

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmatch-go/internal/types"
)

var errFakeNotFound = errors.New("record not found")

// fakeResumeStore 固定返回一份简历或错误
type fakeResumeStore struct {
	resume *types.Resume
	err    error
}

func (s *fakeResumeStore) GetLatestResume(ctx context.Context, userID string) (*types.Resume, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resume, nil
}

// fakeAssembler 固定返回一个匹配池，诊断信息按真实装配器的口径填充
type fakeAssembler struct {
	pool         []types.JobPosting
	degradations []string
	filteredOut  int
	err          error
}

func (a *fakeAssembler) Assemble(ctx context.Context, query, location, jobType string) ([]types.JobPosting, types.PoolDiagnostics, error) {
	diag := types.PoolDiagnostics{
		PoolSize:     len(a.pool),
		FilteredOut:  a.filteredOut,
		Degradations: a.degradations,
	}
	for _, job := range a.pool {
		if job.Source == types.SourceLocal {
			diag.LocalCount++
		} else {
			diag.ExternalCount++
		}
	}
	return a.pool, diag, a.err
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, resumeText string) string {
	return "software engineer"
}

// fakeEmbedder 按文本查表返回向量并统计调用次数
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float64
	provider string
	calls    int
	err      error
	failFor  map[string]bool
}

func (e *fakeEmbedder) EmbedStringsWithProvider(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, "", e.err
	}
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		if e.failFor[text] {
			return nil, "", errors.New("embedding failed for text")
		}
		vec, ok := e.vectors[text]
		if !ok {
			vec = []float64{1, 0}
		}
		out = append(out, vec)
	}
	return out, e.provider, nil
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeExplainer 固定返回一段解释或错误
type fakeExplainer struct {
	err error
}

func (f *fakeExplainer) Explain(ctx context.Context, resumeText, jobText string) (*types.JobMatchExplanation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.JobMatchExplanation{Score: 80, Explanation: "good fit for " + truncate(jobText, 20)}, nil
}

// fakePublisher 记录收到的事件
type fakePublisher struct {
	mu     sync.Mutex
	events []types.MatchCompletedEvent
	err    error
}

func (p *fakePublisher) PublishMatchCompleted(ctx context.Context, event types.MatchCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func testPosting(id, fullText string, source types.JobSource) types.JobPosting {
	return types.JobPosting{
		JobID:    id,
		Source:   source,
		Title:    "Job " + id,
		Company:  "Acme",
		FullText: fullText,
	}
}

func newTestEngine(t *testing.T, store ResumeStore, assembler PoolAssembler, embedder ProviderEmbedder, cfg EngineConfig, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append(opts, WithNotFoundChecker(func(err error) bool {
		return errors.Is(err, errFakeNotFound)
	}))
	return NewEngine(store, assembler, fakeExtractor{}, embedder, NewLRUEmbeddingCache(64), cfg, opts...)
}

func TestMatchRankedResults(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{
		testPosting("j1", "low", types.SourceLocal),
		testPosting("j2", "high", types.SourceLocal),
		testPosting("j3", "mid", types.SourceExternal),
	}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{
		"resume body": {1, 0},
		"high":        {1, 0},
		"mid":         {0.8, 0.6},
		"low":         {0.5, 0.87},
	}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0.3, TopK: 10})
	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, resp.OK)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "j2", resp.Results[0].Job.JobID)
	assert.Equal(t, "j3", resp.Results[1].Job.JobID)
	assert.Equal(t, "j1", resp.Results[2].Job.JobID)
	assert.InDelta(t, 1.0, resp.Results[0].Similarity, 1e-9)
	assert.Equal(t, 2, resp.Diagnostics.LocalCount)
	assert.Equal(t, 1, resp.Diagnostics.ExternalCount)
	assert.Equal(t, 3, resp.Diagnostics.PoolSize)
}

func TestMatchTopKLimit(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{
		testPosting("j1", "a", types.SourceLocal),
		testPosting("j2", "b", types.SourceLocal),
		testPosting("j3", "c", types.SourceLocal),
	}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0.3, TopK: 10})
	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestMatchTieKeepsPoolOrder(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	// 本地岗位在池内排在外部岗位之前，相似度并列时应保持该顺序
	assembler := &fakeAssembler{pool: []types.JobPosting{
		testPosting("local", "same", types.SourceLocal),
		testPosting("external", "same2", types.SourceExternal),
	}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{
		"resume body": {1, 0},
		"same":        {1, 0},
		"same2":       {2, 0},
	}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0.3, TopK: 10})
	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "local", resp.Results[0].Job.JobID)
	assert.Equal(t, "external", resp.Results[1].Job.JobID)
}

func TestMatchMissingUserID(t *testing.T) {
	engine := newTestEngine(t, &fakeResumeStore{}, &fakeAssembler{}, &fakeEmbedder{provider: "openai"}, EngineConfig{})
	_, err := engine.Match(context.Background(), types.MatchRequest{})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
}

func TestMatchResumeNotFound(t *testing.T) {
	store := &fakeResumeStore{err: errFakeNotFound}
	engine := newTestEngine(t, store, &fakeAssembler{}, &fakeEmbedder{provider: "openai"}, EngineConfig{})

	_, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Contains(t, inputErr.Reason, "no resume found")
}

func TestMatchEmptyPoolIsNotError(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{degradations: []string{"external search unavailable: timeout"}}
	engine := newTestEngine(t, store, assembler, &fakeEmbedder{provider: "openai"}, EngineConfig{})

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Message)
	assert.Equal(t, []string{"external search unavailable: timeout"}, resp.Diagnostics.Degradations)
}

func TestMatchAllBelowThreshold(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "orthogonal", types.SourceLocal)}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{
		"resume body": {1, 0},
		"orthogonal":  {0, 1},
	}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0.3, TopK: 10})
	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Message, "similarity threshold")
	assert.InDelta(t, 0.0, resp.Diagnostics.MaxSimilarity, 1e-9)
}

func TestMatchZeroThresholdKeepsAll(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{
		testPosting("j1", "orthogonal", types.SourceLocal),
		testPosting("j2", "aligned", types.SourceLocal),
	}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{
		"resume body": {1, 0},
		"orthogonal":  {0, 1},
		"aligned":     {1, 0},
	}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10})
	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestMatchEmbeddingCacheReuse(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{
		testPosting("j1", "job one", types.SourceLocal),
		testPosting("j2", "job two", types.SourceLocal),
	}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10})

	_, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	firstCalls := embedder.callCount()
	assert.Equal(t, 3, firstCalls) // 简历 + 两个岗位

	_, err = engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	// 第二次只有简历向量需要重算，岗位向量全部命中缓存
	assert.Equal(t, firstCalls+1, embedder.callCount())
}

func TestMatchAllEmbeddingsFail(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "job one", types.SourceLocal)}}
	embedder := &fakeEmbedder{err: errors.New("provider down")}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{})
	_, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.Error(t, err)
}

func TestMatchPartialEmbeddingFailureDegrades(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{
		testPosting("j1", "good job", types.SourceLocal),
		testPosting("j2", "bad job", types.SourceLocal),
	}}
	embedder := &fakeEmbedder{
		provider: "openai",
		vectors:  map[string][]float64{"resume body": {1, 0}, "good job": {1, 0}},
		failFor:  map[string]bool{"bad job": true},
	}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10})
	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "j1", resp.Results[0].Job.JobID)
	require.Len(t, resp.Diagnostics.Degradations, 1)
	assert.Contains(t, resp.Diagnostics.Degradations[0], "embedding failed for 1 of 2 postings")
}

func TestMatchExplanationsGenerated(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "job one", types.SourceLocal)}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10},
		WithExplainerComponent(&fakeExplainer{}))

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1", RerankWithLLM: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Explanation, "good fit")
}

func TestMatchExplanationFailureUsesPlaceholder(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "job one", types.SourceLocal)}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10},
		WithExplainerComponent(&fakeExplainer{err: errors.New("llm down")}))

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1", RerankWithLLM: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, PlaceholderExplanation, resp.Results[0].Explanation)
	assert.InDelta(t, 1.0, resp.Results[0].Similarity, 1e-9)
}

func TestMatchSkipsExplanationsWhenDisabled(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "job one", types.SourceLocal)}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10},
		WithExplainerComponent(&fakeExplainer{}))

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1", RerankWithLLM: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].Explanation)
}

func TestMatchPublishesCompletionEvent(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "job one", types.SourceLocal)}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}
	publisher := &fakePublisher{}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10},
		WithEventPublisher(publisher))

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, publisher.events, 1)
	event := publisher.events[0]
	assert.Equal(t, "u1", event.UserID)
	assert.Equal(t, "r1", event.ResumeID)
	assert.Equal(t, len(resp.Results), event.ResultCount)
	assert.InDelta(t, resp.Results[0].Similarity, event.TopSimilarity, 1e-9)
	assert.NotEmpty(t, event.EventID)
}

func TestMatchPublishFailureDoesNotFailRequest(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{pool: []types.JobPosting{testPosting("j1", "job one", types.SourceLocal)}}
	embedder := &fakeEmbedder{provider: "openai", vectors: map[string][]float64{"resume body": {1, 0}}}
	publisher := &fakePublisher{err: errors.New("broker down")}

	engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10},
		WithEventPublisher(publisher))

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestMatchAssemblerError(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{err: errors.New("db unavailable")}

	engine := newTestEngine(t, store, assembler, &fakeEmbedder{provider: "openai"}, EngineConfig{})
	_, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
	require.Error(t, err)
	var inputErr *InputError
	assert.False(t, errors.As(err, &inputErr))
}

func TestMatchFilteredOutPoolMessage(t *testing.T) {
	store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r1", UserID: "u1", Text: "resume body"}}
	assembler := &fakeAssembler{
		filteredOut:  12,
		degradations: []string{"all 12 candidate postings were filtered out by location/job type filters"},
	}
	engine := newTestEngine(t, store, assembler, &fakeEmbedder{provider: "openai"}, EngineConfig{})

	resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1", Location: "Mars"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 12, resp.Diagnostics.FilteredOut)
	assert.Contains(t, resp.Message, "location or job type filters")
}

func TestMatchDistinctResumesDistinctOrderings(t *testing.T) {
	pool := []types.JobPosting{
		testPosting("backend", "go microservices job", types.SourceLocal),
		testPosting("frontend", "react ui job", types.SourceLocal),
	}
	vectors := map[string][]float64{
		"backend resume":       {1, 0},
		"frontend resume":      {0, 1},
		"go microservices job": {0.9, 0.1},
		"react ui job":         {0.1, 0.9},
	}

	run := func(resumeText string) []string {
		store := &fakeResumeStore{resume: &types.Resume{ResumeID: "r", UserID: "u1", Text: resumeText}}
		assembler := &fakeAssembler{pool: pool}
		embedder := &fakeEmbedder{provider: "openai", vectors: vectors}
		engine := newTestEngine(t, store, assembler, embedder, EngineConfig{MinSimilarity: 0, TopK: 10})

		resp, err := engine.Match(context.Background(), types.MatchRequest{UserID: "u1"})
		require.NoError(t, err)
		ids := make([]string, len(resp.Results))
		for i, r := range resp.Results {
			ids[i] = r.Job.JobID
		}
		return ids
	}

	assert.Equal(t, []string{"backend", "frontend"}, run("backend resume"))
	assert.Equal(t, []string{"frontend", "backend"}, run("frontend resume"))
}
