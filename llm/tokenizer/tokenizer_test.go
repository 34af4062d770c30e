package tokenizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/extractflow/types"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimatorTokenizer("local", 0)

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = e.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.CountTokens("你好世")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.CountTokens(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "JSON punctuation costs more than prose")

	n, err = e.WithCharsPerToken(2).CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, 4096, e.MaxTokens())
}

func TestEstimator_CountMessagesOverhead(t *testing.T) {
	e := NewEstimatorTokenizer("local", 0)
	n, err := e.CountMessages([]types.Message{types.NewUserMessage("abcd"), types.NewUserMessage("abcd")})
	require.NoError(t, err)
	assert.Equal(t, 3+2*(1+4), n)
}

func TestEstimator_CountMessagesIncludesToolCalls(t *testing.T) {
	e := NewEstimatorTokenizer("local", 0)

	plain := []types.Message{types.NewAssistantMessage("")}
	withCall := []types.Message{types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{{
		ID:        "call_1",
		Name:      "series",
		Arguments: json.RawMessage(`{"series":[1,2,3,4,5,6,7,8,9,10,11,12]}`),
	}})}

	a, err := e.CountMessages(plain)
	require.NoError(t, err)
	b, err := e.CountMessages(withCall)
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestLookupEncoding_LongestPrefix(t *testing.T) {
	info, ok := lookupEncoding("gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, "o200k_base", info.encoding)

	info, ok = lookupEncoding("gpt-4-0613")
	require.True(t, ok)
	assert.Equal(t, "cl100k_base", info.encoding)

	_, ok = lookupEncoding("llama3")
	assert.False(t, ok)
}

func TestGetTokenizer_PrefixAndFallback(t *testing.T) {
	short := NewEstimatorTokenizer("qwen", 1000)
	long := NewEstimatorTokenizer("qwen-max", 2000)
	RegisterTokenizer("qwen", short)
	RegisterTokenizer("qwen-max", long)

	got, err := GetTokenizer("qwen-max-latest")
	require.NoError(t, err)
	assert.Same(t, long, got)

	_, err = GetTokenizer("unknown-model")
	assert.Error(t, err)
	assert.Equal(t, "estimator", GetTokenizerOrEstimator("unknown-model").Name())
}

func TestForModel(t *testing.T) {
	assert.Equal(t, "tiktoken[o200k_base]", ForModel("gpt-4o-mini").Name())
	assert.Equal(t, "estimator", ForModel("deepseek-chat").Name())
}
