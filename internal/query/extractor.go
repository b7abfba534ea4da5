package query

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"jobmatch-go/internal/constants"
)

// queryPromptTemplate 从简历中提取搜索查询的提示模板
const queryPromptTemplate = `You are a job search assistant. Analyze this resume and extract a SPECIFIC job search query.

Resume:
%s

Based on this resume, create a job search query (3-5 words) that would find the most relevant jobs.
Focus on:
1. Job title/role mentioned or implied
2. Primary technology/skill/domain
3. Experience level if apparent

Examples:
- "Software Engineer Python" for Python developers
- "Data Scientist Machine Learning" for ML data scientists
- "Product Manager SaaS" for product managers in SaaS
- "Marketing Manager Digital" for digital marketing managers

IMPORTANT: Make it SPECIFIC to this resume. If resume mentions "React developer", use "React Developer" not generic "software engineer".
If resume mentions "Data Analyst SQL", use "Data Analyst SQL" not just "Data Analyst".

Return ONLY the search query (3-5 words), nothing else. No explanation, no quotes, just the query.`

const (
	// DefaultQuery 任何提取手段都失败时的保底查询
	DefaultQuery = "software engineer"

	maxQueryWords = 5
	maxQueryBytes = 50
)

// roleNouns 兜底提取时识别的职位名词，按出现优先级排列
var roleNouns = []string{
	"engineer", "developer", "analyst", "scientist", "manager",
	"designer", "architect", "consultant", "specialist", "programmer",
}

// stopWords 通用虚词。LLM输出里只剩这些词时视为不合格，转走兜底提取
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "are": true, "was": true, "has": true,
	"have": true, "will": true, "can": true, "not": true, "you": true,
	"your": true, "our": true, "job": true, "jobs": true, "search": true,
	"query": true, "find": true, "looking": true, "seeking": true,
}

// techTerms 兜底提取时的技术词典，命中即作为查询候选
var techTerms = []string{
	"python", "java", "golang", "react", "javascript", "typescript",
	"sql", "data", "machine learning", "ai", "cloud", "aws", "kubernetes",
	"docker", "backend", "frontend", "devops", "security", "mobile",
}

// Extractor 从简历文本提取岗位搜索查询。
// 优先走LLM，LLM不可用或输出不合格时退回确定性的关键词提取，保证永不为空。
type Extractor struct {
	chatModel  model.ToolCallingChatModel
	logger     *log.Logger
	excerptLen int
}

// ExtractorOption 配置Extractor的可选项
type ExtractorOption func(*Extractor)

// WithExtractorLogger 注入日志记录器
func WithExtractorLogger(logger *log.Logger) ExtractorOption {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// WithExcerptLen 设置提交给LLM的简历截断长度
func WithExcerptLen(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.excerptLen = n
		}
	}
}

// NewExtractor 创建查询提取器。chatModel 可以为 nil，此时只走兜底提取。
func NewExtractor(chatModel model.ToolCallingChatModel, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		chatModel:  chatModel,
		logger:     log.New(io.Discard, "", 0),
		excerptLen: constants.QueryExtractExcerptLen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract 从简历文本提取搜索查询，保证返回非空字符串
func (e *Extractor) Extract(ctx context.Context, resumeText string) string {
	if strings.TrimSpace(resumeText) == "" {
		return DefaultQuery
	}

	if e.chatModel != nil {
		excerpt := resumeText
		if len(excerpt) > e.excerptLen {
			excerpt = excerpt[:e.excerptLen]
		}

		prompt := fmt.Sprintf(queryPromptTemplate, excerpt)
		msg, err := e.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
		if err == nil {
			if q := SanitizeQuery(msg.Content); q != "" {
				e.logger.Printf("[QueryExtractor] LLM提取查询: %q", q)
				return q
			}
			e.logger.Printf("[QueryExtractor] LLM输出不合格，使用兜底提取: %q", msg.Content)
		} else {
			e.logger.Printf("[QueryExtractor] LLM提取失败，使用兜底提取: %v", err)
		}
	}

	return FallbackQuery(resumeText)
}

// SanitizeQuery 清洗LLM输出的查询：去引号、markdown围栏、常见前缀，
// 限制为最多5个词、50字节。不合格时返回空串。
func SanitizeQuery(raw string) string {
	q := strings.TrimSpace(raw)
	q = strings.ReplaceAll(q, `"`, "")
	q = strings.ReplaceAll(q, "'", "")

	// 剥掉markdown代码围栏
	if strings.HasPrefix(q, "```") {
		lines := strings.Split(q, "\n")
		if len(lines) >= 3 {
			q = strings.Join(lines[1:len(lines)-1], "\n")
		} else {
			q = strings.TrimPrefix(q, "```")
		}
		q = strings.TrimSpace(q)
	}

	for _, prefix := range []string{"query:", "search:", "jobs:", "the query is:", "query is:"} {
		if len(q) >= len(prefix) && strings.EqualFold(q[:len(prefix)], prefix) {
			q = strings.TrimSpace(q[len(prefix):])
		}
	}

	// 只保留有意义的词，最多5个
	var words []string
	meaningful := false
	for _, w := range strings.Fields(q) {
		if len(w) > 2 {
			words = append(words, w)
			if !stopWords[strings.ToLower(w)] {
				meaningful = true
			}
		}
		if len(words) == maxQueryWords {
			break
		}
	}
	// 全是虚词的输出不能当查询用
	if !meaningful {
		return ""
	}
	q = strings.Join(words, " ")
	if len(q) > maxQueryBytes {
		q = strings.TrimSpace(q[:maxQueryBytes])
	}

	if len(q) < 3 {
		return ""
	}
	return q
}

// FallbackQuery 不依赖LLM的确定性查询提取：
// 在简历中查找职位名词和技术词典命中（按出现频次排序），拼成查询。
func FallbackQuery(resumeText string) string {
	lower := strings.ToLower(resumeText)

	var role string
	for _, noun := range roleNouns {
		if strings.Contains(lower, noun) {
			role = noun
			break
		}
	}

	// 统计技术词出现频次，频次相同时保持词典顺序以保证确定性
	type hit struct {
		term  string
		count int
		order int
	}
	var hits []hit
	for i, term := range techTerms {
		if c := strings.Count(lower, term); c > 0 {
			hits = append(hits, hit{term: term, count: c, order: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].order < hits[j].order
	})

	var parts []string
	if role != "" {
		parts = append(parts, titleCase(role))
	}
	for i := 0; i < len(hits) && len(parts) < 3; i++ {
		parts = append(parts, titleCase(hits[i].term))
	}

	if len(parts) == 0 {
		return DefaultQuery
	}
	q := strings.Join(parts, " ")
	if len(q) > maxQueryBytes {
		q = strings.TrimSpace(q[:maxQueryBytes])
	}
	return q
}

// titleCase 首字母大写（多词短语逐词处理）
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
