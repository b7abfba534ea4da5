package match

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmatch-go/internal/types"
)

// fakeChatModel 固定返回指定内容或错误的ChatModel
type fakeChatModel struct {
	content string
	err     error
	calls   int
}

func (m *fakeChatModel) Generate(ctx context.Context, messages []*einoschema.Message, opts ...model.Option) (*einoschema.Message, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return einoschema.AssistantMessage(m.content, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, messages []*einoschema.Message, opts ...model.Option) (*einoschema.StreamReader[*einoschema.Message], error) {
	return nil, errors.New("not implemented")
}

func (m *fakeChatModel) WithTools(tools []*einoschema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestExplainerParsesJSONResponse(t *testing.T) {
	chat := &fakeChatModel{content: `Here is my analysis: {"score": 85, "explanation": "Strong match on Go and Kubernetes skills."}`}
	explainer := NewExplainer(chat, nil)

	result, err := explainer.Explain(context.Background(), "resume text", "job text")
	require.NoError(t, err)
	assert.Equal(t, 85, result.Score)
	assert.Equal(t, "Strong match on Go and Kubernetes skills.", result.Explanation)
}

func TestExplainerNoJSONUsesWholeOutput(t *testing.T) {
	chat := &fakeChatModel{content: "The candidate matches well on backend experience."}
	explainer := NewExplainer(chat, nil)

	result, err := explainer.Explain(context.Background(), "resume", "job")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Score)
	assert.Equal(t, "The candidate matches well on backend experience.", result.Explanation)
}

func TestExplainerSanitizesBrokenJSON(t *testing.T) {
	// explanation内部包含未转义的双引号，第一次解析会失败
	chat := &fakeChatModel{content: `{"score": 70, "explanation": "Matches the "senior engineer" requirement well."}`}
	explainer := NewExplainer(chat, nil)

	result, err := explainer.Explain(context.Background(), "resume", "job")
	require.NoError(t, err)
	assert.Equal(t, 70, result.Score)
	assert.Contains(t, result.Explanation, "senior engineer")
}

func TestExplainerStripsBOM(t *testing.T) {
	chat := &fakeChatModel{content: "\uFEFF" + `{"score": 60, "explanation": "ok match"}`}
	explainer := NewExplainer(chat, nil)

	result, err := explainer.Explain(context.Background(), "resume", "job")
	require.NoError(t, err)
	assert.Equal(t, 60, result.Score)
}

func TestExplainerLLMError(t *testing.T) {
	chat := &fakeChatModel{err: errors.New("rate limited")}
	explainer := NewExplainer(chat, nil)

	_, err := explainer.Explain(context.Background(), "resume", "job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM call failed")
}

func TestExplainerRejectsInvalidScore(t *testing.T) {
	chat := &fakeChatModel{content: `{"score": 150, "explanation": "impossible"}`}
	explainer := NewExplainer(chat, nil)

	_, err := explainer.Explain(context.Background(), "resume", "job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score must be between 0 and 100")
}

func TestExplainerNilModel(t *testing.T) {
	explainer := NewExplainer(nil, nil)
	_, err := explainer.Explain(context.Background(), "resume", "job")
	require.Error(t, err)
}

func TestExtractJSONFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"surrounded by text", `sure! {"a": 1} hope that helps`, `{"a": 1}`},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"no object", "plain text", ""},
		{"unclosed object", `{"a": 1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractJSONFromResponse(tt.input))
		})
	}
}

func TestValidateExplanation(t *testing.T) {
	assert.NoError(t, validateExplanation(&types.JobMatchExplanation{Score: 50, Explanation: "ok"}))
	assert.Error(t, validateExplanation(&types.JobMatchExplanation{Score: -1, Explanation: "ok"}))
	assert.Error(t, validateExplanation(&types.JobMatchExplanation{Score: 50, Explanation: "   "}))
}
