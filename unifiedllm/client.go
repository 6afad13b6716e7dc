package unifiedllm

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Client routes turn requests to a registered transport and binds the
// resulting stream to an Accumulator configured for that transport's
// grammar.
type Client struct {
	transports      map[string]Transport
	defaultProvider string
	retry           RetryPolicy
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport registers a transport under its name.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) {
		c.transports[t.Name()] = t
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithOpenRetry retries failures to open a stream. Once bytes flow nothing
// is retried here. Clients do not retry by default; callers that retry the
// whole turn, like agentloop, should leave it that way.
func WithOpenRetry(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		transports: make(map[string]Transport),
		retry:      NoRetry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.transports) == 1 {
		for name := range c.transports {
			c.defaultProvider = name
		}
	}
	return c
}

// Register adds a transport to the client.
func (c *Client) Register(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[t.Name()] = t
	if c.defaultProvider == "" {
		c.defaultProvider = t.Name()
	}
}

// resolveTransport determines which transport serves a request.
func (c *Client) resolveTransport(req Request) (Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			if _, ok := c.transports[info.Provider]; ok {
				name = info.Provider
			}
		}
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	t, ok := c.transports[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return t, nil
}

// StreamTurn opens one turn and returns its accumulator.
func (c *Client) StreamTurn(ctx context.Context, req Request) (*Accumulator, error) {
	t, err := c.resolveTransport(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = t.Name()
	}

	stream, err := Retry(ctx, c.retry, func(ctx context.Context) (ChunkStream, error) {
		return t.Open(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	acc, err := NewAccumulator(t.Format(), stream)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	return acc, nil
}

// Close releases resources held by all registered transports.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, t := range c.transports {
		if closer, ok := t.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// providerEnvKeys maps providers to the environment variable holding their
// API key.
var providerEnvKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// NewClientFromEnv registers an HTTP transport for every provider whose API
// key is present in the environment.
func NewClientFromEnv() *Client {
	c := NewClient()
	for _, provider := range []string{"anthropic", "openai", "gemini"} {
		if key := os.Getenv(providerEnvKeys[provider]); key != "" {
			c.Register(NewHTTPTransport(provider, key))
		}
	}
	return c
}
