package quick

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/extractflow/structured"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

type city struct {
	Name    string `json:"name" jsonschema:"required,minLength=1"`
	Country string `json:"country" jsonschema:"required"`
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider is required")
}

func TestNew_PresetNeedsAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New(WithOpenAI("gpt-4o-mini"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required for openai")

	c, err := New(WithOpenAI("gpt-4o-mini"), WithAPIKey("sk-test"))
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider().Name())
}

func TestNew_PresetReadsEnvironment(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-env")
	c, err := New(WithDeepSeek("deepseek-chat"), WithTransportRetries(2), WithContextBudget(4096))
	require.NoError(t, err)
	assert.NotNil(t, c.Provider())
}

func TestNew_WithProvider(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"name": "Paris", "country": "France"}`)
	c, err := New(WithProvider(provider), WithModel("custom-model"))
	require.NoError(t, err)

	res, err := structured.ChatCompletion(context.Background(), c, structured.Request[city]{
		Schema:   structured.MustFor[city](),
		Messages: []types.Message{types.NewUserMessage("capital of France")},
	})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "Paris", res.Value.Name)
	assert.Equal(t, "custom-model", provider.GetLastCall().Request.Model)
}

func TestNew_WithCompatibleEndpoint(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"local","choices":[{"index":0,"finish_reason":"stop",` +
			`"message":{"role":"assistant","content":"{\"name\":\"Lyon\",\"country\":\"France\"}"}}]}`))
	}))
	defer srv.Close()

	c, err := New(WithCompatible(srv.URL, "local"))
	require.NoError(t, err)

	res, err := structured.ChatCompletion(context.Background(), c, structured.Request[city]{
		Schema:   structured.MustFor[city](),
		Messages: []types.Message{types.NewUserMessage("a French city")},
		Mode:     structured.ModeJSON,
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Errors.Render())
	assert.Equal(t, "Lyon", res.Value.Name)
	assert.Equal(t, int32(1), calls.Load())
}
