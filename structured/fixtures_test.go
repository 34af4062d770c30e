package structured

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

type Person struct {
	FirstName string `json:"first_name" jsonschema:"required,minLength=1"`
	LastName  string `json:"last_name" jsonschema:"required,minLength=1"`
	Email     string `json:"email,omitempty" jsonschema:"format=email"`
}

type Series struct {
	Series []int `json:"series" jsonschema:"required,minItems=10"`
}

type UserInfo struct {
	Name string `json:"name" jsonschema:"required,minLength=1"`
	Age  int    `json:"age" jsonschema:"required,minimum=0"`
}

func seriesSchema() *TypeSchema[Series] {
	return MustFor[Series](WithCheck[Series]("series", func(s Series) error {
		sum := 0
		for _, n := range s.Series {
			sum += n
		}
		if sum%2 != 0 {
			return errors.New("The sum of the series must be even")
		}
		return nil
	}))
}

func userMessages(text string) []types.Message {
	return []types.Message{types.NewUserMessage(text)}
}

func newTestClient(t *testing.T, p llm.Provider, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithLogger(zaptest.NewLogger(t)), WithDefaultModel("test-model")}, opts...)
	c, err := NewClient(p, opts...)
	require.NoError(t, err)
	return c
}

type recordedExtraction struct {
	stream   string
	kind     string
	attempts int
}

// fakeRecorder 记录所有上报，供断言使用
type fakeRecorder struct {
	mu          sync.Mutex
	attempts    []string
	extractions []recordedExtraction
}

func (r *fakeRecorder) RecordExtractAttempt(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, outcome)
}

func (r *fakeRecorder) RecordExtraction(stream, kind string, attempts int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractions = append(r.extractions, recordedExtraction{stream: stream, kind: kind, attempts: attempts})
}

func (r *fakeRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.extractions))
	for i, e := range r.extractions {
		out[i] = e.kind
	}
	return out
}
