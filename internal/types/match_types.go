package types

import "time"

// JobSource 标识岗位的来源
type JobSource string

const (
	// SourceLocal 本地（管理员维护）岗位
	SourceLocal JobSource = "local"
	// SourceExternal 外部搜索到的岗位，随请求临时存在，不落库
	SourceExternal JobSource = "external"
)

// Resume 简历文本快照。同一用户可以有多份，"最新"按 UploadedAt 取最大值。
type Resume struct {
	ResumeID   string    `json:"resume_id"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// JobPosting 进入匹配池的岗位记录。
// 在池装配边界完成校验，下游打分/排序代码不再处理缺失字段。
type JobPosting struct {
	JobID            string    `json:"id"`
	Source           JobSource `json:"source"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Skills           []string  `json:"skills,omitempty"`
	Responsibilities []string  `json:"responsibilities,omitempty"`
	Qualifications   []string  `json:"qualifications,omitempty"`
	Company          string    `json:"company,omitempty"`
	Location         string    `json:"location,omitempty"`
	JobType          string    `json:"job_type,omitempty"`
	ApplyLink        string    `json:"apply_link,omitempty"`

	// Via 外部结果的发布渠道原文（如 "via LinkedIn"），用于直招/聚合判定
	Via string `json:"via,omitempty"`

	// FullText 由装配器拼接的完整描述（description + skills + 职责 + 任职要求），
	// 嵌入与解释阶段统一使用该字段
	FullText string `json:"-"`
}

// MatchResult 单个岗位的匹配结果
type MatchResult struct {
	Job         JobPosting `json:"job"`
	Similarity  float64    `json:"similarity"`
	Explanation string     `json:"explanation,omitempty"`
}

// MatchRequest 一次匹配请求的逻辑入参
type MatchRequest struct {
	UserID        string `json:"user_id"`
	TopK          int    `json:"top_k"`
	RerankWithLLM bool   `json:"rerank_with_llm"`
	Location      string `json:"location,omitempty"`
	JobType       string `json:"job_type,omitempty"`
}

// PoolDiagnostics 池装配与打分阶段的诊断信息，空结果时用于给出可操作的提示
type PoolDiagnostics struct {
	LocalCount    int      `json:"local_count"`
	ExternalCount int      `json:"external_count"`
	PoolSize      int      `json:"pool_size"`
	FilteredOut   int      `json:"filtered_out,omitempty"` // 被地点/岗位类型过滤掉的候选数
	MaxSimilarity float64  `json:"max_similarity"`
	Degradations  []string `json:"degradations,omitempty"`
}

// MatchResponse 匹配流水线的逻辑出参。
// 空结果与错误严格区分：流水线成功但无岗位过线时 OK 仍为 true，Message 给出原因。
type MatchResponse struct {
	OK          bool            `json:"ok"`
	Results     []MatchResult   `json:"results"`
	Message     string          `json:"message,omitempty"`
	Diagnostics PoolDiagnostics `json:"pool"`
}

// JobMatchExplanation LLM 对单个岗位的匹配解释
type JobMatchExplanation struct {
	Score       int    `json:"score"`
	Explanation string `json:"explanation"`
}

// MatchCompletedEvent 匹配完成后发布到消息队列的事件，供下游通知方消费
type MatchCompletedEvent struct {
	EventID       string    `json:"event_id"`
	UserID        string    `json:"user_id"`
	ResumeID      string    `json:"resume_id"`
	ResultCount   int       `json:"result_count"`
	TopSimilarity float64   `json:"top_similarity"`
	CompletedAt   time.Time `json:"completed_at"`
}
