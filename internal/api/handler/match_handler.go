package handler

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"jobmatch-go/internal/llm"
	"jobmatch-go/internal/match"
	"jobmatch-go/internal/types"
)

// Matcher 匹配流水线入口
type Matcher interface {
	Match(ctx context.Context, req types.MatchRequest) (*types.MatchResponse, error)
}

// matchRequestBody POST /api/v1/match 的请求体
type matchRequestBody struct {
	UserID        string `json:"user_id"`
	TopK          int    `json:"top_k"`
	RerankWithLLM *bool  `json:"rerank_with_llm"`
	Location      string `json:"location"`
	JobType       string `json:"job_type"`
}

// MatchHandler 负责处理简历-岗位匹配请求
type MatchHandler struct {
	matcher Matcher
	logger  *log.Logger
}

// NewMatchHandler 创建一个新的 MatchHandler 实例
func NewMatchHandler(matcher Matcher) *MatchHandler {
	return &MatchHandler{
		matcher: matcher,
		logger:  log.New(os.Stdout, "[MatchHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleMatch 处理匹配请求。
// POST /api/v1/match
func (h *MatchHandler) HandleMatch(ctx context.Context, c *app.RequestContext) {
	var body matchRequestBody
	if err := c.BindJSON(&body); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]interface{}{
			"ok":    false,
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	if body.UserID == "" {
		c.JSON(consts.StatusBadRequest, map[string]interface{}{
			"ok":    false,
			"error": "user_id is required",
		})
		return
	}

	// 解释生成默认开启，调用方可显式关闭
	rerank := true
	if body.RerankWithLLM != nil {
		rerank = *body.RerankWithLLM
	}

	req := types.MatchRequest{
		UserID:        body.UserID,
		TopK:          body.TopK,
		RerankWithLLM: rerank,
		Location:      body.Location,
		JobType:       body.JobType,
	}

	resp, err := h.matcher.Match(ctx, req)
	if err != nil {
		var inputErr *match.InputError
		if errors.As(err, &inputErr) {
			c.JSON(consts.StatusBadRequest, map[string]interface{}{
				"ok":    false,
				"error": inputErr.Reason,
			})
			return
		}

		var providerErr *llm.ProviderUnavailableError
		if errors.As(err, &providerErr) {
			h.logger.Printf("匹配服务商不可用: %v", err)
			c.JSON(consts.StatusServiceUnavailable, map[string]interface{}{
				"ok":    false,
				"error": "matching service temporarily unavailable, please try again later",
			})
			return
		}

		h.logger.Printf("匹配请求失败 user_id=%s: %v", body.UserID, err)
		c.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"ok":    false,
			"error": "internal error while matching jobs",
		})
		return
	}

	c.JSON(consts.StatusOK, resp)
}
