package match

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"jobmatch-go/internal/constants"
	"jobmatch-go/internal/types"
)

// PlaceholderExplanation 解释生成失败时的占位文案，相似度分数保持有效
const PlaceholderExplanation = "Match analysis unavailable for this posting."

// defaultExplainPromptTemplate 匹配解释的提示模板，
// 要求输出 {"score": 0-100, "explanation": "..."} 形式的JSON
const defaultExplainPromptTemplate = `Analyze how well this resume matches the job description. Provide a detailed explanation of the match, highlighting:
1. Key skills that match
2. Experience alignment
3. Any gaps or areas for improvement

Resume (first %d chars):
%s

Job Description:
%s

Return a JSON object with: {"score": <0-100>, "explanation": "<detailed explanation>"}`

// Explainer 调用LLM为单个岗位生成匹配解释
type Explainer struct {
	llmModel       model.ToolCallingChatModel
	promptTemplate string
	excerptLen     int
	logger         *log.Logger
}

// ExplainerOption 解释生成器的配置选项
type ExplainerOption func(*Explainer)

// WithExplainerPromptTemplate 设置自定义提示词模板
func WithExplainerPromptTemplate(template string) ExplainerOption {
	return func(e *Explainer) {
		if template != "" {
			e.promptTemplate = template
		}
	}
}

// WithExplainerExcerptLen 设置简历/岗位文本的截断长度
func WithExplainerExcerptLen(n int) ExplainerOption {
	return func(e *Explainer) {
		if n > 0 {
			e.excerptLen = n
		}
	}
}

// NewExplainer 创建解释生成器
func NewExplainer(llmModel model.ToolCallingChatModel, logger *log.Logger, options ...ExplainerOption) *Explainer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Explainer{
		llmModel:       llmModel,
		promptTemplate: defaultExplainPromptTemplate,
		excerptLen:     constants.ExplainExcerptLen,
		logger:         logger,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Explain 为一个岗位生成匹配解释
func (e *Explainer) Explain(ctx context.Context, resumeText, jobText string) (*types.JobMatchExplanation, error) {
	if e.llmModel == nil {
		return nil, fmt.Errorf("Explainer: llmModel is not initialized")
	}

	resumeExcerpt := truncate(resumeText, e.excerptLen)
	jobExcerpt := truncate(jobText, e.excerptLen)

	userMsg := einoschema.UserMessage(fmt.Sprintf(e.promptTemplate, e.excerptLen, resumeExcerpt, jobExcerpt))
	systemMsg := einoschema.SystemMessage("You are an experienced technical recruiter who explains resume-to-job matches precisely and honestly.")

	response, err := e.llmModel.Generate(ctx, []*einoschema.Message{systemMsg, userMsg})
	if err != nil {
		e.logger.Printf("[Explainer] LLM call error: %v", err)
		return nil, fmt.Errorf("Explainer: LLM call failed: %w", err)
	}
	if response == nil || response.Content == "" {
		return nil, fmt.Errorf("Explainer: LLM returned empty response")
	}

	// 去BOM后提取JSON
	processedContent := strings.TrimPrefix(response.Content, "\uFEFF")
	jsonStr := extractJSONFromResponse(processedContent)
	if jsonStr == "" {
		// 没有JSON结构时，整段输出就当解释文本用
		return &types.JobMatchExplanation{Explanation: strings.TrimSpace(processedContent)}, nil
	}

	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var result types.JobMatchExplanation
	// ① 正常解析
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		// ② 解析失败 -> 自动修复再试一次
		fixedJsonStr := sanitizeJSON(jsonStr)
		if jsonErr := json.Unmarshal([]byte(fixedJsonStr), &result); jsonErr != nil {
			return nil, fmt.Errorf("Explainer: failed to unmarshal LLM JSON response after sanitization. Original error: %w. Sanitization error: %v. JSON: %s", err, jsonErr, jsonStr)
		}
	}

	if err := validateExplanation(&result); err != nil {
		return nil, fmt.Errorf("Explainer: invalid explanation result: %w", err)
	}

	return &result, nil
}

// validateExplanation 验证解释结果是否符合要求
func validateExplanation(result *types.JobMatchExplanation) error {
	if result.Score < 0 || result.Score > 100 {
		return fmt.Errorf("score must be between 0 and 100, got %d", result.Score)
	}
	if strings.TrimSpace(result.Explanation) == "" {
		return fmt.Errorf("explanation must not be empty")
	}
	return nil
}

// extractJSONFromResponse 用大括号配对从文本中提取首个完整JSON对象
func extractJSONFromResponse(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	for i := start; i < len(text); i++ {
		if text[i] == '{' {
			level++
		} else if text[i] == '}' {
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 会遍历 src，将任何位于字符串字面量内部但并非"真正结束"的双引号写成 \"，
// 以保证整个 JSON 在 Go 端能够正常反序列化。
// 它通过检查下一个非空白字符是否为 :, ], }, 或 , 来判断该 " 是否为字符串的结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if c == '"' && !escaped {
			if !inStr {
				inStr = true
				b.WriteByte(c)
			} else {
				// 当前在字符串里，检查这是不是字符串的真正结束
				j := i + 1
				for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
					j++
				}
				if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
					inStr = false
					b.WriteByte(c)
				} else {
					// 字符串内部的 "，改成 \"
					b.WriteString("\\\"")
				}
			}
			escaped = false

		} else if c == '\\' && !escaped {
			escaped = true
			b.WriteByte(c)

		} else {
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}

// truncate 按字节截断，保证不超过n
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
