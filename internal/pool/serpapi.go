package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"jobmatch-go/internal/tracing"
	"jobmatch-go/internal/types"
)

var serpapiTracer = otel.Tracer("jobmatch-go/pool/serpapi")

// ExternalSearcher 外部岗位搜索协作方
type ExternalSearcher interface {
	Search(ctx context.Context, query, location string, limit int) ([]types.JobPosting, error)
}

// SerpAPIClient 通过SerpAPI的google_jobs引擎搜索外部岗位
type SerpAPIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
}

// SerpAPIOption 配置SerpAPIClient的可选项
type SerpAPIOption func(*SerpAPIClient)

// WithSerpAPIHTTPClient 注入自定义HTTP客户端
func WithSerpAPIHTTPClient(client *http.Client) SerpAPIOption {
	return func(c *SerpAPIClient) {
		c.httpClient = client
	}
}

// WithSerpAPITimeout 设置单次搜索请求的超时
func WithSerpAPITimeout(d time.Duration) SerpAPIOption {
	return func(c *SerpAPIClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithSerpAPILogger 注入日志记录器
func WithSerpAPILogger(logger *log.Logger) SerpAPIOption {
	return func(c *SerpAPIClient) {
		c.logger = logger
	}
}

// WithSerpAPIQPM 设置每分钟请求数限制
func WithSerpAPIQPM(qpm int) SerpAPIOption {
	return func(c *SerpAPIClient) {
		if qpm > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(float64(qpm)/60.0), 1)
		}
	}
}

// NewSerpAPIClient 创建SerpAPI搜索客户端
func NewSerpAPIClient(apiKey, baseURL string, opts ...SerpAPIOption) (*SerpAPIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("SerpAPI密钥不能为空")
	}
	if baseURL == "" {
		baseURL = "https://serpapi.com/search.json"
	}

	c := &SerpAPIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		logger:     log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// serpAPIResponse SerpAPI google_jobs响应结构（只取需要的字段）
type serpAPIResponse struct {
	JobsResults []serpAPIJob `json:"jobs_results"`
	Error       string       `json:"error,omitempty"`
}

type serpAPIJob struct {
	JobID         string             `json:"job_id"`
	Title         string             `json:"title"`
	CompanyName   string             `json:"company_name"`
	Location      string             `json:"location"`
	Via           string             `json:"via"`
	Description   string             `json:"description"`
	JobHighlights []serpAPIHighlight `json:"job_highlights"`
	ApplyOptions  []serpAPIApplyOpt  `json:"apply_options"`
	DetectedExt   *serpAPIExtensions `json:"detected_extensions,omitempty"`
}

type serpAPIHighlight struct {
	Title string   `json:"title"` // "Qualifications" / "Responsibilities" / "Benefits"
	Items []string `json:"items"`
}

type serpAPIApplyOpt struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

type serpAPIExtensions struct {
	ScheduleType string `json:"schedule_type,omitempty"` // "Full-time" 等
}

// Search 执行google_jobs搜索并将结果转换为岗位记录
func (c *SerpAPIClient) Search(ctx context.Context, query, location string, limit int) ([]types.JobPosting, error) {
	ctx, span := serpapiTracer.Start(ctx, "serpapi.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.query", tracing.SafeQuery(query)),
		attribute.String("search.location", location),
		attribute.Int("search.limit", limit),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("engine", "google_jobs")
	params.Set("q", query)
	params.Set("api_key", c.apiKey)
	if location != "" {
		params.Set("location", location)
	}
	if limit > 0 {
		params.Set("num", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建搜索请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternalSearch)
		return nil, fmt.Errorf("外部搜索请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取搜索响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("外部搜索返回状态码 %d: %s", resp.StatusCode, tracing.TruncateString(string(body), 200))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return nil, err
	}

	var parsed serpAPIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析搜索响应失败: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("外部搜索API错误: %s", parsed.Error)
	}

	items := parsed.JobsResults
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	postings := make([]types.JobPosting, 0, len(items))
	for _, item := range items {
		if item.Title == "" || item.Description == "" {
			continue
		}
		postings = append(postings, c.toPosting(item))
	}

	span.SetAttributes(attribute.Int("search.results", len(postings)))
	c.logger.Printf("[SerpAPI] query=%q location=%q -> %d postings", query, location, len(postings))
	return postings, nil
}

// toPosting 把SerpAPI结果项转成岗位记录，highlight拼进任职要求/职责
func (c *SerpAPIClient) toPosting(item serpAPIJob) types.JobPosting {
	jobID := item.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	var qualifications, responsibilities []string
	for _, h := range item.JobHighlights {
		switch h.Title {
		case "Qualifications":
			qualifications = append(qualifications, h.Items...)
		case "Responsibilities":
			responsibilities = append(responsibilities, h.Items...)
		}
	}

	applyLink := ""
	if len(item.ApplyOptions) > 0 {
		applyLink = item.ApplyOptions[0].Link
	}

	jobType := ""
	if item.DetectedExt != nil {
		jobType = item.DetectedExt.ScheduleType
	}

	return types.JobPosting{
		JobID:            "ext_" + jobID,
		Source:           types.SourceExternal,
		Title:            item.Title,
		Description:      item.Description,
		Qualifications:   qualifications,
		Responsibilities: responsibilities,
		Company:          item.CompanyName,
		Location:         item.Location,
		JobType:          jobType,
		ApplyLink:        applyLink,
		Via:              item.Via,
	}
}
