package pool

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"jobmatch-go/internal/constants"
	"jobmatch-go/internal/tracing"
	"jobmatch-go/internal/types"
)

var poolTracer = otel.Tracer("jobmatch-go/pool")

// LocalJobLister 本地岗位存储协作方
type LocalJobLister interface {
	ListActiveJobs(ctx context.Context) ([]types.JobPosting, error)
}

// aggregatorDomains 聚合招聘站点域名。via字段命中这些站点时一律按聚合来源处理，
// 即使文案里带有"company"字样。
var aggregatorDomains = []string{
	"linkedin", "indeed", "glassdoor", "ziprecruiter", "monster",
	"simplyhired", "careerbuilder", "greenhouse", "lever", "dice",
	"wellfound", "adzuna", "jooble", "talent.com", "bebee",
}

// Assembler 匹配池装配器：合并本地岗位与外部搜索结果，
// 在装配边界完成校验、过滤、去重和来源配额。
type Assembler struct {
	lister          LocalJobLister
	searcher        ExternalSearcher
	logger          *log.Logger
	defaultLocation string
	fetchLimit      int
	directCap       int
	aggregatorCap   int
}

// AssemblerOption 配置Assembler的可选项
type AssemblerOption func(*Assembler)

// WithAssemblerLogger 注入日志记录器
func WithAssemblerLogger(logger *log.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// WithDefaultSearchLocation 设置请求未指定地点时外部搜索使用的默认地点
func WithDefaultSearchLocation(location string) AssemblerOption {
	return func(a *Assembler) {
		if location != "" {
			a.defaultLocation = location
		}
	}
}

// WithFetchLimit 设置外部搜索拉取上限
func WithFetchLimit(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.fetchLimit = n
		}
	}
}

// WithSourceCaps 设置外部结果中直招/聚合的数量配额
func WithSourceCaps(direct, aggregator int) AssemblerOption {
	return func(a *Assembler) {
		if direct > 0 {
			a.directCap = direct
		}
		if aggregator > 0 {
			a.aggregatorCap = aggregator
		}
	}
}

// NewAssembler 创建匹配池装配器。searcher 为 nil 时只装配本地岗位。
func NewAssembler(lister LocalJobLister, searcher ExternalSearcher, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		lister:          lister,
		searcher:        searcher,
		logger:          log.New(io.Discard, "", 0),
		defaultLocation: constants.DefaultSearchLocation,
		fetchLimit:      constants.DefaultExternalFetchLimit,
		directCap:       constants.DefaultDirectCap,
		aggregatorCap:   constants.DefaultAggregatorCap,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble 装配一次请求的匹配池。
// 返回 (池内岗位, 池诊断信息, 错误)。外部搜索失败只产生降级说明，不报错。
func (a *Assembler) Assemble(ctx context.Context, query, location, jobType string) ([]types.JobPosting, types.PoolDiagnostics, error) {
	ctx, span := poolTracer.Start(ctx, "pool.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("pool.query", tracing.SafeQuery(query)))

	var diag types.PoolDiagnostics

	localJobs, err := a.lister.ListActiveJobs(ctx)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, diag, fmt.Errorf("读取本地岗位失败: %w", err)
	}

	local, filteredLocal := a.prepareLocal(localJobs, location, jobType)

	var external []types.JobPosting
	filteredExternal := 0
	if a.searcher != nil {
		// 请求未带地点时用配置的默认地点搜索，但不据此过滤结果
		searchLocation := location
		if searchLocation == "" {
			searchLocation = a.defaultLocation
		}
		results, searchErr := a.searcher.Search(ctx, query, searchLocation, a.fetchLimit)
		if searchErr != nil {
			// 外部搜索失败降级为仅本地，不中断流水线
			note := fmt.Sprintf("external search unavailable: %v", searchErr)
			diag.Degradations = append(diag.Degradations, note)
			a.logger.Printf("[PoolAssembler] %s", note)
			tracing.RecordError(span, searchErr, tracing.ErrorTypeExternalSearch)
		} else {
			external, filteredExternal = a.prepareExternal(results, location, jobType)
		}
	}

	// 本地在前、外部在后，去重时本地优先保留
	pool := make([]types.JobPosting, 0, len(local)+len(external))
	seen := make(map[string]bool, len(local)+len(external))
	for _, job := range append(local, external...) {
		key := dedupKey(job.Title, job.Company)
		if seen[key] {
			continue
		}
		seen[key] = true
		pool = append(pool, job)
		if job.Source == types.SourceLocal {
			diag.LocalCount++
		} else {
			diag.ExternalCount++
		}
	}
	diag.PoolSize = len(pool)

	diag.FilteredOut = filteredLocal + filteredExternal
	if len(pool) == 0 && diag.FilteredOut > 0 {
		diag.Degradations = append(diag.Degradations,
			fmt.Sprintf("all %d candidate postings were filtered out by location/job type filters", diag.FilteredOut))
	}

	span.SetAttributes(
		attribute.Int("pool.local", len(local)),
		attribute.Int("pool.external", len(external)),
		attribute.Int("pool.size", len(pool)),
	)
	a.logger.Printf("[PoolAssembler] pool assembled: %d local + %d external -> %d after dedup",
		len(local), len(external), len(pool))

	return pool, diag, nil
}

// prepareLocal 校验、拼接全文并宽松过滤本地岗位，返回保留的岗位和被过滤掉的数量。
// 本地岗位只有在自带地点且不匹配时才会被地点过滤掉。
func (a *Assembler) prepareLocal(jobs []types.JobPosting, location, jobType string) ([]types.JobPosting, int) {
	loc := strings.ToLower(strings.TrimSpace(location))
	jt := strings.ToLower(strings.TrimSpace(jobType))

	filtered := 0
	out := make([]types.JobPosting, 0, len(jobs))
	for _, job := range jobs {
		job.Source = types.SourceLocal
		job.FullText = ComposeFullText(job)
		if strings.TrimSpace(job.Title) == "" || strings.TrimSpace(job.FullText) == "" {
			a.logger.Printf("[PoolAssembler] 丢弃无标题或无描述的本地岗位: %q", job.JobID)
			continue
		}

		jobLoc := strings.ToLower(job.Location)
		if loc != "" && jobLoc != "" && !strings.Contains(jobLoc, loc) {
			filtered++
			continue
		}
		if jt != "" && jt != "any" {
			haystack := strings.ToLower(job.Title + " " + job.FullText)
			if !strings.Contains(haystack, jt) {
				filtered++
				continue
			}
		}
		out = append(out, job)
	}
	return out, filtered
}

// prepareExternal 校验、严格过滤并按直招/聚合配额裁剪外部岗位，返回保留的岗位和被过滤掉的数量
func (a *Assembler) prepareExternal(jobs []types.JobPosting, location, jobType string) ([]types.JobPosting, int) {
	loc := strings.ToLower(strings.TrimSpace(location))
	jt := strings.ToLower(strings.TrimSpace(jobType))

	filtered := 0
	var direct, aggregator []types.JobPosting
	for _, job := range jobs {
		job.Source = types.SourceExternal
		job.FullText = ComposeFullText(job)
		if strings.TrimSpace(job.Title) == "" || strings.TrimSpace(job.FullText) == "" {
			continue
		}

		// 外部岗位严格过滤：地点过滤对无地点的岗位同样生效
		if loc != "" && !strings.Contains(strings.ToLower(job.Location), loc) {
			filtered++
			continue
		}
		if jt != "" && jt != "any" {
			haystack := strings.ToLower(job.Title + " " + job.Description)
			if !strings.Contains(haystack, jt) {
				filtered++
				continue
			}
		}

		if isDirectCompanySite(job.Via, job.Company) {
			direct = append(direct, job)
		} else {
			aggregator = append(aggregator, job)
		}
	}

	if len(direct) > a.directCap {
		direct = direct[:a.directCap]
	}
	if len(aggregator) > a.aggregatorCap {
		aggregator = aggregator[:a.aggregatorCap]
	}
	return append(direct, aggregator...), filtered
}

// isDirectCompanySite 判断外部岗位是否来自公司直招渠道。
// 聚合站点域名命中一票否决，之后再看via里的直招线索。
func isDirectCompanySite(via, company string) bool {
	v := strings.ToLower(via)
	if v == "" {
		return false
	}
	for _, domain := range aggregatorDomains {
		if strings.Contains(v, domain) {
			return false
		}
	}
	if strings.Contains(v, "company") || strings.Contains(v, "direct") {
		return true
	}
	c := strings.ToLower(strings.TrimSpace(company))
	return c != "" && strings.Contains(v, c)
}

// ComposeFullText 把岗位的描述、技能、职责、任职要求拼成嵌入用的完整文本
func ComposeFullText(job types.JobPosting) string {
	var b strings.Builder
	b.WriteString(job.Description)
	if len(job.Skills) > 0 {
		b.WriteString("\n\nRequired Skills: ")
		b.WriteString(strings.Join(job.Skills, ", "))
	}
	if len(job.Responsibilities) > 0 {
		b.WriteString("\n\nResponsibilities:\n")
		b.WriteString(strings.Join(job.Responsibilities, "\n"))
	}
	if len(job.Qualifications) > 0 {
		b.WriteString("\n\nQualifications:\n")
		b.WriteString(strings.Join(job.Qualifications, "\n"))
	}
	return b.String()
}

// CleanText 压缩连续空白为单个空格
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dedupKey 归一化的(标题,公司)去重键：小写、去标点、压缩空白
func dedupKey(title, company string) string {
	return normalizeField(title) + "|" + normalizeField(company)
}

func normalizeField(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return CleanText(b.String())
}
