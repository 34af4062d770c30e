package llm

import "github.com/BaSui01/extractflow/types"

// FirstChoice safely returns the first choice from a ChatResponse.
// An empty response is reported as an upstream error so callers treat it as a
// transport failure rather than as model output.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil {
		return ChatChoice{}, types.NewError(ErrUpstreamError, "nil ChatResponse")
	}
	if len(resp.Choices) == 0 {
		return ChatChoice{}, types.NewError(ErrUpstreamError, "empty choices in ChatResponse (model returned no choices)").
			WithProvider(resp.Provider)
	}
	return resp.Choices[0], nil
}

// ChoiceText returns the textual payload of a choice (see types.Message.Payload).
func ChoiceText(choice ChatChoice) string { return choice.Message.Payload() }

// ChunkText returns the textual delta carried by a stream chunk.
func ChunkText(chunk StreamChunk) string {
	if len(chunk.Delta.ToolCalls) > 0 {
		var out []byte
		for _, tc := range chunk.Delta.ToolCalls {
			out = append(out, tc.Arguments...)
		}
		return string(out)
	}
	return chunk.Delta.Content
}
