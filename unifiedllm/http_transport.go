package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

var defaultBaseURLs = map[string]string{
	"anthropic": "https://api.anthropic.com",
	"openai":    "https://api.openai.com",
	"gemini":    "https://generativelanguage.googleapis.com",
}

// HTTPTransport posts a streaming request to a provider's HTTP API and hands
// the response body to the accumulator untouched.
type HTTPTransport struct {
	provider string
	family   string
	baseURL  string
	apiKey   string
	headers  map[string]string
	client   *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithBaseURL overrides the provider's default endpoint.
func WithBaseURL(u string) HTTPOption {
	return func(t *HTTPTransport) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the http.Client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithHeader adds a header to every request.
func WithHeader(k, v string) HTTPOption {
	return func(t *HTTPTransport) { t.headers[k] = v }
}

// NewHTTPTransport creates a transport for provider. Aliases such as
// "openrouter" use the grammar of their API family.
func NewHTTPTransport(provider, apiKey string, opts ...HTTPOption) *HTTPTransport {
	family := providerFamily(provider)
	t := &HTTPTransport{
		provider: provider,
		family:   family,
		baseURL:  defaultBaseURLs[family],
		apiKey:   apiKey,
		headers:  make(map[string]string),
		client:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Name() string   { return t.provider }
func (t *HTTPTransport) Format() string { return t.family }

// Open posts req and returns the streaming body.
func (t *HTTPTransport) Open(ctx context.Context, req Request) (ChunkStream, error) {
	if req.Model == "" {
		if info := DefaultModel(t.family); info != nil {
			req.Model = info.ID
		}
	}

	var (
		url  string
		body []byte
		err  error
	)
	switch t.family {
	case "anthropic":
		url = t.baseURL + "/v1/messages"
		body, err = anthropicBody(req)
	case "openai":
		url = t.baseURL + "/v1/chat/completions"
		body, err = openaiBody(req)
	case "gemini":
		url = fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", t.baseURL, req.Model)
		body, err = geminiBody(req)
	default:
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("no HTTP transport for provider %q", t.provider)}}
	}
	if err != nil {
		return nil, &InvalidRequestError{ProviderError: ProviderError{SDKError: SDKError{Message: "encoding request", Cause: err}, Provider: t.provider}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "building request", Cause: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	switch t.family {
	case "anthropic":
		httpReq.Header.Set("x-api-key", t.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	case "openai":
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	case "gemini":
		httpReq.Header.Set("x-goog-api-key", t.apiKey)
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newTransportError(t.provider, "sending request", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, t.statusError(resp)
	}
	return NewReaderStream(t.family, resp.Body), nil
}

func (t *HTTPTransport) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	msg, err := jsonparser.GetString(raw, "error", "message")
	if err != nil || msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	code, _ := jsonparser.GetString(raw, "error", "type")
	var retryAfter *float64
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = &secs
		}
	}
	return ErrorFromStatusCode(resp.StatusCode, msg, t.provider, code, retryAfter)
}

// anthropicBody renders the Messages API request. Consecutive tool results
// collapse into one user message because roles must alternate.
func anthropicBody(req Request) ([]byte, error) {
	type block map[string]any
	var msgs []map[string]any
	appendBlocks := func(role string, blocks []block) {
		if len(blocks) == 0 {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1]["role"] == role {
			msgs[n-1]["content"] = append(msgs[n-1]["content"].([]block), blocks...)
			return
		}
		msgs = append(msgs, map[string]any{"role": role, "content": blocks})
	}

	system := req.System
	for _, m := range req.Messages {
		var blocks []block
		for _, p := range m.Content {
			switch p.Kind {
			case ContentText:
				if strings.TrimSpace(p.Text) != "" {
					blocks = append(blocks, block{"type": "text", "text": p.Text})
				}
			case ContentToolCall:
				blocks = append(blocks, block{"type": "tool_use", "id": p.ToolCall.ID, "name": p.ToolCall.Name, "input": p.ToolCall.Arguments})
			case ContentToolResult:
				blocks = append(blocks, block{"type": "tool_result", "tool_use_id": p.ToolResult.ToolCallID,
					"content": p.ToolResult.Content, "is_error": p.ToolResult.IsError})
			}
		}
		switch m.Role {
		case RoleSystem:
			system = strings.TrimSpace(system + "\n\n" + m.TextContent())
		case RoleAssistant:
			appendBlocks("assistant", blocks)
		default:
			appendBlocks("user", blocks)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   msgs,
		"stream":     true,
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, td := range req.Tools {
			tools = append(tools, map[string]any{"name": td.Name, "description": td.Description, "input_schema": td.Parameters})
		}
		body["tools"] = tools
	}
	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 && budget < maxTokens {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	return json.Marshal(body)
}

func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 2048
	case "medium":
		return 4096
	case "high":
		return 6144
	}
	return 0
}

// openaiBody renders a Chat Completions request with usage reporting.
func openaiBody(req Request) ([]byte, error) {
	var msgs []map[string]any
	if req.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		entry := map[string]any{"role": string(m.Role)}
		var text []string
		var calls []map[string]any
		for _, p := range m.Content {
			switch p.Kind {
			case ContentText:
				text = append(text, p.Text)
			case ContentToolCall:
				calls = append(calls, map[string]any{
					"id":   p.ToolCall.ID,
					"type": "function",
					"function": map[string]any{
						"name":      p.ToolCall.Name,
						"arguments": string(p.ToolCall.Arguments),
					},
				})
			case ContentToolResult:
				msgs = append(msgs, map[string]any{
					"role":         "tool",
					"tool_call_id": p.ToolResult.ToolCallID,
					"content":      p.ToolResult.Content,
				})
			}
		}
		if m.Role == RoleTool {
			continue
		}
		entry["content"] = strings.Join(text, "\n")
		if len(calls) > 0 {
			entry["tool_calls"] = calls
		}
		msgs = append(msgs, entry)
	}

	body := map[string]any{
		"model":          req.Model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, td := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        td.Name,
					"description": td.Description,
					"parameters":  td.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.ReasoningEffort != "" {
		body["reasoning_effort"] = req.ReasoningEffort
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	return json.Marshal(body)
}

// geminiBody renders a generateContent request. Function responses are
// matched to their call by name, which Gemini requires instead of an id.
func geminiBody(req Request) ([]byte, error) {
	callNames := make(map[string]string)
	var contents []map[string]any
	for _, m := range req.Messages {
		var parts []map[string]any
		for _, p := range m.Content {
			switch p.Kind {
			case ContentText:
				if p.Text != "" {
					parts = append(parts, map[string]any{"text": p.Text})
				}
			case ContentToolCall:
				callNames[p.ToolCall.ID] = p.ToolCall.Name
				parts = append(parts, map[string]any{"functionCall": map[string]any{"name": p.ToolCall.Name, "args": p.ToolCall.Arguments}})
			case ContentToolResult:
				parts = append(parts, map[string]any{"functionResponse": map[string]any{
					"name":     callNames[p.ToolResult.ToolCallID],
					"response": map[string]any{"content": p.ToolResult.Content, "is_error": p.ToolResult.IsError},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	body := map[string]any{"contents": contents}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, map[string]any{"name": td.Name, "description": td.Description, "parameters": td.Parameters})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	gen := map[string]any{}
	if req.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		gen["temperature"] = *req.Temperature
	}
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}
	return json.Marshal(body)
}
