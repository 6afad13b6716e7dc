package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
)

// GollmTransport streams plain text tokens through gollm. gollm hides the
// provider wire format, so its chunks are parsed with the "gollm" grammar:
// visible text only, no tool calls.
//
// gollm fixes model, temperature and max tokens when an LLM is built, so
// the transport keeps one LLM per distinct combination a request asks for.
type GollmTransport struct {
	provider string
	model    string
	llm      gollm.LLM

	base   gollmSettings
	common []gollm.ConfigOption
	extra  []gollm.ConfigOption
	newLLM func(opts ...gollm.ConfigOption) (gollm.LLM, error)

	mu   sync.Mutex
	llms map[gollmSettings]gollm.LLM
}

type gollmSettings struct {
	model       string
	temperature float64
	maxTokens   int
}

// GollmOption configures a GollmTransport.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmModel sets the default model.
func WithGollmModel(model string) GollmOption {
	return func(c *gollmConfig) {
		c.model = model
	}
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) {
		c.maxTokens = n
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmTransport creates a transport for provider backed by gollm. If
// apiKey is empty, gollm reads it from the environment.
func NewGollmTransport(provider, apiKey string, opts ...GollmOption) (*GollmTransport, error) {
	return newGollmTransport(provider, apiKey, gollm.NewLLM, opts...)
}

func newGollmTransport(provider, apiKey string, newLLM func(...gollm.ConfigOption) (gollm.LLM, error), opts ...GollmOption) (*GollmTransport, error) {
	cfg := &gollmConfig{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := DefaultModel(provider); info != nil {
			model = info.ID
		}
	}

	common := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetMaxRetries(0), // turn retries belong to the agent loop
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		common = append(common, gollm.SetAPIKey(apiKey))
	}

	g := &GollmTransport{
		provider: provider,
		model:    model,
		base:     gollmSettings{model: model, temperature: cfg.temperature, maxTokens: cfg.maxTokens},
		common:   common,
		extra:    cfg.extraOpts,
		newLLM:   newLLM,
		llms:     make(map[gollmSettings]gollm.LLM),
	}
	llm, err := g.build(g.base)
	if err != nil {
		return nil, err
	}
	g.llm = llm
	return g, nil
}

// NewGollmTransportFromLLM wraps an existing gollm.LLM instance. Requests
// cannot change its model or temperature.
func NewGollmTransportFromLLM(provider string, llm gollm.LLM) *GollmTransport {
	return &GollmTransport{provider: provider, llm: llm}
}

func (g *GollmTransport) Name() string   { return g.provider }
func (g *GollmTransport) Format() string { return "gollm" }

// llmFor returns the LLM matching the request's model, temperature and
// max tokens, building it on first use.
func (g *GollmTransport) llmFor(req Request) (gollm.LLM, error) {
	if g.newLLM == nil {
		return g.llm, nil
	}
	s := g.base
	if req.Model != "" {
		s.model = req.Model
	}
	if req.Temperature != nil {
		s.temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		s.maxTokens = req.MaxTokens
	}
	return g.build(s)
}

func (g *GollmTransport) build(s gollmSettings) (gollm.LLM, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if llm, ok := g.llms[s]; ok {
		return llm, nil
	}
	opts := append([]gollm.ConfigOption(nil), g.common...)
	opts = append(opts,
		gollm.SetModel(s.model),
		gollm.SetMaxTokens(s.maxTokens),
		gollm.SetTemperature(s.temperature),
	)
	opts = append(opts, g.extra...)
	llm, err := g.newLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gollm LLM for provider %s model %s: %w", g.provider, s.model, err)
	}
	g.llms[s] = llm
	return llm, nil
}

// Open starts a gollm token stream. Backends without streaming produce a
// single chunk holding the whole completion.
func (g *GollmTransport) Open(ctx context.Context, req Request) (ChunkStream, error) {
	llm, err := g.llmFor(req)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: err.Error(), Cause: err}}
	}
	prompt := g.translateRequest(req)

	if !llm.SupportsStreaming() {
		text, err := llm.Generate(ctx, prompt)
		if err != nil {
			return nil, g.translateError(err)
		}
		return NewStaticStream("gollm", text), nil
	}

	stream, err := llm.Stream(ctx, prompt)
	if err != nil {
		return nil, g.translateError(err)
	}
	return &gollmChunkStream{
		next: func(ctx context.Context) (string, error) {
			token, err := stream.Next(ctx)
			if err != nil || token == nil {
				return "", err
			}
			return token.Text, nil
		},
		close:     stream.Close,
		translate: g.translateError,
	}, nil
}

type gollmChunkStream struct {
	next      func(ctx context.Context) (string, error)
	close     func() error
	translate func(error) error
	ended     bool
}

func (s *gollmChunkStream) Provider() string { return "gollm" }

func (s *gollmChunkStream) Recv(ctx context.Context) (Chunk, error) {
	if s.ended {
		return Chunk{End: true}, nil
	}
	for {
		text, err := s.next(ctx)
		if errors.Is(err, io.EOF) {
			s.ended = true
			return Chunk{End: true}, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return Chunk{}, ctx.Err()
			}
			return Chunk{}, newTransportError("gollm", "reading token stream", s.translate(err))
		}
		if text == "" {
			continue
		}
		return Chunk{Data: []byte(text)}, nil
	}
}

func (s *gollmChunkStream) Close() error {
	return s.close()
}

// translateRequest flattens the conversation into a single gollm prompt.
func (g *GollmTransport) translateRequest(req Request) *gollm.Prompt {
	systemPrompt := req.System
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += "\n" + msg.TextContent()
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result]"
					if part.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					parts = append(parts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if s := strings.TrimSpace(systemPrompt); s != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	return gollm.NewPrompt(promptText, promptOpts...)
}

// translateError converts a gollm error into the unified error hierarchy.
func (g *GollmTransport) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: g.provider}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		pe.StatusCode = 404
		return &NotFoundError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode, pe.Retryable = 429, true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		pe.StatusCode, pe.Retryable = 500, true
		return &ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: pe}
	}
	pe.Retryable = true
	return &pe
}
