package unifiedllm

import "context"

// Transport opens the byte stream for one turn against a backend. It owns
// connection concerns only; parsing is the Accumulator's job.
type Transport interface {
	// Name returns the provider identifier requests are routed by.
	Name() string

	// Format names the stream grammar of the bytes this transport delivers.
	Format() string

	// Open sends the request and returns its response body as chunks.
	Open(ctx context.Context, req Request) (ChunkStream, error)
}

// Closer is implemented by transports that hold resources.
type Closer interface {
	Close() error
}
