package unifiedllm

import (
	"context"
	"errors"
	"io"
)

// Chunk is one unit of bytes delivered by a transport. End marks the
// explicit end of the stream and carries no data.
type Chunk struct {
	Data []byte
	End  bool
}

// ChunkStream is the inbound side of a transport for one turn. Chunks are
// delivered in order on one logical channel.
type ChunkStream interface {
	// Provider is the identifier of the backend that produced the bytes.
	Provider() string
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// StaticStream replays a fixed list of chunks. It is used for replaying
// captured streams and in tests.
type StaticStream struct {
	ProviderName string
	Chunks       [][]byte
	// OmitEnd simulates a connection that drops before end of stream.
	OmitEnd bool

	pos    int
	closed bool
}

// NewStaticStream returns a stream that yields chunks then an end marker.
func NewStaticStream(provider string, chunks ...string) *StaticStream {
	s := &StaticStream{ProviderName: provider}
	for _, c := range chunks {
		s.Chunks = append(s.Chunks, []byte(c))
	}
	return s
}

func (s *StaticStream) Provider() string { return s.ProviderName }

func (s *StaticStream) Recv(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.closed {
		return Chunk{}, io.ErrClosedPipe
	}
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return Chunk{Data: c}, nil
	}
	if s.OmitEnd {
		return Chunk{}, io.ErrUnexpectedEOF
	}
	return Chunk{End: true}, nil
}

func (s *StaticStream) Close() error {
	s.closed = true
	return nil
}

// ReaderStream adapts a response body. The body's EOF is the transport's end
// of stream signal; any other read error is a transport failure.
type ReaderStream struct {
	provider string
	body     io.ReadCloser
	buf      []byte
}

// NewReaderStream wraps body for the given provider.
func NewReaderStream(provider string, body io.ReadCloser) *ReaderStream {
	return &ReaderStream{provider: provider, body: body, buf: make([]byte, 32*1024)}
}

func (s *ReaderStream) Provider() string { return s.provider }

func (s *ReaderStream) Recv(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, s.buf[:n])
			return Chunk{Data: data}, nil
		}
		if errors.Is(err, io.EOF) {
			return Chunk{End: true}, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Chunk{}, ctxErr
			}
			return Chunk{}, newTransportError(s.provider, "reading response body", err)
		}
	}
}

func (s *ReaderStream) Close() error {
	return s.body.Close()
}
