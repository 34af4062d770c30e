package structured

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

// Mode 决定 Schema 描述通过哪个通道送达模型。
type Mode uint8

const (
	// ModeTools 作为唯一且强制调用的函数/工具发送
	ModeTools Mode = iota
	// ModeJSONSchema 使用原生 response_format json_schema
	ModeJSONSchema
	// ModeJSON 把 Schema 写进系统提示并要求输出 JSON 对象，
	// 适用于既无工具调用也无 json_schema 的提供商
	ModeJSON
)

func (m Mode) String() string {
	switch m {
	case ModeTools:
		return "tools"
	case ModeJSONSchema:
		return "json_schema"
	case ModeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseMode 解析配置文件和 CLI 中的文本形式。
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tools", "tool", "function":
		return ModeTools, nil
	case "json_schema", "jsonschema":
		return ModeJSONSchema, nil
	case "json":
		return ModeJSON, nil
	default:
		return 0, configError("unknown mode %q", s)
	}
}

// RequestOptions overrides provider parameters for one request.
type RequestOptions struct {
	Temperature float32
	MaxTokens   int
	TopP        float32
	Stop        []string
	Metadata    map[string]string
}

// schemaName returns the tool / response-format name for schema.
func schemaName(schema any) string {
	if n, ok := schema.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return "extract"
}

// buildChatRequest 按 mode 选定的通道生成请求。
func buildChatRequest(model, name string, desc *JSONSchema, mode Mode, messages []types.Message, opts *RequestOptions) (*llm.ChatRequest, error) {
	schemaJSON, err := desc.ToJSON()
	if err != nil {
		return nil, configError("failed to marshal schema: %v", err)
	}

	req := &llm.ChatRequest{Model: model}
	switch mode {
	case ModeTools:
		req.Tools = []types.ToolSchema{{
			Name:        name,
			Description: toolDescription(name, desc),
			Parameters:  schemaJSON,
		}}
		req.ToolChoice = name
		req.Messages = cloneMessages(messages)
	case ModeJSONSchema:
		req.ResponseFormat = &llm.ResponseFormat{
			Type: llm.ResponseFormatJSONSchema,
			JSONSchema: &llm.JSONSchemaFormat{
				Name:        name,
				Description: desc.Description,
				Schema:      schemaJSON,
			},
		}
		req.Messages = cloneMessages(messages)
	case ModeJSON:
		indented, err := desc.ToJSONIndent()
		if err != nil {
			return nil, configError("failed to marshal schema: %v", err)
		}
		req.ResponseFormat = &llm.ResponseFormat{Type: llm.ResponseFormatJSONObject}
		req.Messages = append([]types.Message{types.NewSystemMessage(buildSchemaPrompt(string(indented)))}, messages...)
	default:
		return nil, configError("unknown mode %d", mode)
	}

	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
		req.TopP = opts.TopP
		req.Stop = opts.Stop
		req.Metadata = opts.Metadata
	}
	return req, nil
}

func toolDescription(name string, desc *JSONSchema) string {
	if desc.Description != "" {
		return desc.Description
	}
	return fmt.Sprintf("Correctly extracted `%s` with all the required parameters with correct types", name)
}

// buildSchemaPrompt 为提示工程模式生成系统提示。
func buildSchemaPrompt(schemaJSON string) string {
	var sb strings.Builder

	sb.WriteString("You are a helpful assistant that generates structured JSON output.\n\n")
	sb.WriteString("IMPORTANT INSTRUCTIONS:\n")
	sb.WriteString("1. You MUST respond with valid JSON that conforms to the schema below.\n")
	sb.WriteString("2. Do NOT include any text before or after the JSON.\n")
	sb.WriteString("3. Do NOT wrap the JSON in markdown code blocks.\n")
	sb.WriteString("4. Ensure all required fields are present and have valid values.\n")
	sb.WriteString("5. Follow all constraints specified in the schema (enum values, min/max, patterns, etc.).\n\n")
	sb.WriteString("JSON Schema:\n")
	sb.WriteString("```json\n")
	sb.WriteString(schemaJSON)
	sb.WriteString("\n```\n\n")
	sb.WriteString("Respond with ONLY the JSON object.")

	return sb.String()
}

// correctiveMessages 返回失败后追加的两条消息：助手回显和纠错消息。
func correctiveMessages(mode Mode, name string, reply types.Message, text string, errs FieldErrors) [2]types.Message {
	feedback := renderFeedback(mode, errs)

	if mode == ModeTools {
		call := types.ToolCall{Name: name, Arguments: toolArguments(text)}
		if len(reply.ToolCalls) > 0 {
			call.ID = reply.ToolCalls[0].ID
			if reply.ToolCalls[0].Name != "" {
				call.Name = reply.ToolCalls[0].Name
			}
		}
		if call.ID == "" {
			call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		assistant := types.NewAssistantMessage(reply.Content).WithToolCalls([]types.ToolCall{call})
		return [2]types.Message{assistant, types.NewToolMessage(call.ID, call.Name, feedback)}
	}

	return [2]types.Message{types.NewAssistantMessage(text), types.NewUserMessage(feedback)}
}

func renderFeedback(mode Mode, errs FieldErrors) string {
	var sb strings.Builder
	sb.WriteString("Validation errors found:\n")
	sb.WriteString(errs.Render())
	sb.WriteString("\n\n")
	if mode == ModeTools {
		sb.WriteString("Recall the function correctly, fix the errors above and provide all fields again.")
	} else {
		sb.WriteString("Fix the errors above and respond again with the complete corrected JSON only.")
	}
	return sb.String()
}

// toolArguments keeps invalid model output representable as a JSON value so
// the echoed tool call can still be serialized.
func toolArguments(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage(strconv.Quote(text))
}

func cloneMessages(messages []types.Message) []types.Message {
	return append([]types.Message(nil), messages...)
}
