package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
)

// OpenAIEmbedder 通过OpenAI兼容的embeddings接口实现 embedding.Embedder
type OpenAIEmbedder struct {
	providerName string
	apiKey       string
	model        string
	baseURL      string
	httpClient   *http.Client
	logger       *log.Logger
}

// EmbedderOption 配置OpenAIEmbedder的可选项
type EmbedderOption func(*OpenAIEmbedder)

// WithEmbedderHTTPClient 注入自定义HTTP客户端（测试时指向httptest服务器）
func WithEmbedderHTTPClient(client *http.Client) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.httpClient = client
	}
}

// WithEmbedderLogger 注入日志记录器
func WithEmbedderLogger(logger *log.Logger) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.logger = logger
	}
}

// NewOpenAIEmbedder 创建一个OpenAI兼容的Embedder客户端
func NewOpenAIEmbedder(providerName, apiKey, model, baseURL string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("模型名称不能为空")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("API URL不能为空")
	}

	e := &OpenAIEmbedder{
		providerName: providerName,
		apiKey:       apiKey,
		model:        model,
		baseURL:      baseURL,
		httpClient:   &http.Client{},
		logger:       log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ProviderName 返回服务商标识
func (e *OpenAIEmbedder) ProviderName() string {
	return e.providerName
}

// openAIEmbeddingRequest OpenAI兼容的Embedding请求结构
type openAIEmbeddingRequest struct {
	Input          interface{} `json:"input"` // string 或 []string
	Model          string      `json:"model"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

// openAIEmbeddingResponse OpenAI兼容的Embedding响应结构
type openAIEmbeddingResponse struct {
	Object string                 `json:"object"`
	Data   []openAIEmbeddingEntry `json:"data"`
	Model  string                 `json:"model"`
	Usage  openAIEmbeddingUsage   `json:"usage"`
	ID     string                 `json:"id,omitempty"`
	Error  *openAIAPIError        `json:"error,omitempty"`
}

type openAIEmbeddingEntry struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIEmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbedStrings 将文本转换为向量, 实现 cloudwego/eino embedding.Embedder 接口
func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := e.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	var inputBody interface{}
	if len(texts) == 1 {
		inputBody = texts[0]
	} else {
		inputBody = texts
	}

	reqBody := openAIEmbeddingRequest{
		Input: inputBody,
		Model: effectiveModel,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	e.logger.Printf("[%s] Embedding %d texts, model=%s", e.providerName, len(texts), effectiveModel)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiError openAIAPIError
		detailedError := fmt.Errorf("API调用失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
		// 尝试从body中解析更详细的错误信息
		if json.Unmarshal(body, &apiError) == nil && apiError.Message != "" {
			detailedError = fmt.Errorf("API调用失败, 状态码: %d, 类型: %s, 错误: %s, Code: %s",
				resp.StatusCode, apiError.Type, apiError.Message, apiError.Code)
		}
		return nil, detailedError
	}

	var parsedResp openAIEmbeddingResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w. Body: %s", err, string(body))
	}

	// 检查响应中是否包含API级别的错误 (例如，输入文本过多)
	if parsedResp.Error != nil && parsedResp.Error.Message != "" {
		return nil, fmt.Errorf("API返回错误: 类型=%s, 消息='%s', Code=%s",
			parsedResp.Error.Type, parsedResp.Error.Message, parsedResp.Error.Code)
	}

	outputEmbeddings := make([][]float64, len(parsedResp.Data))
	for i, dataEntry := range parsedResp.Data {
		outputEmbeddings[i] = dataEntry.Embedding
	}

	e.logger.Printf("[%s] Embedded %d texts. Prompt tokens: %d, Total tokens: %d",
		e.providerName, len(texts), parsedResp.Usage.PromptTokens, parsedResp.Usage.TotalTokens)

	return outputEmbeddings, nil
}

var _ embedding.Embedder = (*OpenAIEmbedder)(nil)
