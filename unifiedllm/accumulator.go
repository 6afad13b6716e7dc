package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Accumulator turns the chunks of one turn into canonical events. It is
// bound to a single grammar chosen at construction and to a single stream;
// once the sequence ends it stays ended.
type Accumulator struct {
	provider string
	stream   ChunkStream
	grammar  Grammar
	sse      SSEDecoder

	pending []Event
	started bool
	done    bool
}

// NewAccumulator selects the grammar for provider and binds it to stream.
func NewAccumulator(provider string, stream ChunkStream) (*Accumulator, error) {
	g, err := GrammarFor(provider)
	if err != nil {
		return nil, err
	}
	return &Accumulator{provider: provider, stream: stream, grammar: g}, nil
}

// Grammar returns the name of the grammar in use.
func (a *Accumulator) Grammar() string {
	return a.grammar.Name()
}

// Next returns the next event, or false once the sequence has ended. An
// Error event caused by the transport or the grammar is always the last
// event; tool-call argument errors are not.
func (a *Accumulator) Next(ctx context.Context) (Event, bool) {
	for len(a.pending) == 0 {
		if a.done {
			return Event{}, false
		}
		a.pull(ctx)
	}
	ev := a.pending[0]
	a.pending = a.pending[1:]
	return ev, true
}

// Events ranges over the remaining events.
func (a *Accumulator) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := a.Next(ctx)
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Close releases the underlying stream and ends the sequence.
func (a *Accumulator) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	a.pending = nil
	return a.stream.Close()
}

func (a *Accumulator) emit(ev Event) {
	a.pending = append(a.pending, ev)
}

func (a *Accumulator) pull(ctx context.Context) {
	if !a.started {
		a.started = true
		if tag := a.stream.Provider(); tag != "" && providerFamily(tag) != providerFamily(a.provider) {
			a.fail(newProtocolError(a.provider, "", fmt.Sprintf("stream is tagged %q", tag)))
			return
		}
	}

	chunk, err := a.stream.Recv(ctx)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) && ctx.Err() == nil {
			err = newTransportError(a.provider, "receiving chunk", err)
		}
		a.fail(err)
		return
	}
	if chunk.End {
		a.finish()
		return
	}

	if a.grammar.Framing() == FramingRaw {
		a.decode(SSEEvent{Data: chunk.Data})
		return
	}
	events, err := a.sse.Feed(chunk.Data)
	for _, ev := range events {
		if a.done {
			return
		}
		a.decode(ev)
	}
	if err != nil && !a.done {
		a.fail(newTransportError(a.provider, "malformed event stream", err))
	}
}

func (a *Accumulator) decode(ev SSEEvent) {
	if err := a.grammar.Decode(ev, a.emit); err != nil {
		a.fail(err)
		return
	}
	if a.grammar.Done() {
		a.finish()
	}
}

func (a *Accumulator) finish() {
	if a.grammar.Framing() == FramingSSE && !a.grammar.Done() {
		events, err := a.sse.Flush()
		if err != nil {
			a.fail(newTransportError(a.provider, "malformed event stream", err))
			return
		}
		for _, ev := range events {
			if err := a.grammar.Decode(ev, a.emit); err != nil {
				a.fail(err)
				return
			}
		}
	}
	if err := a.grammar.End(a.emit); err != nil {
		a.fail(err)
		return
	}
	a.done = true
	_ = a.stream.Close()
}

func (a *Accumulator) fail(err error) {
	a.emit(errorEvent(err))
	a.done = true
	_ = a.stream.Close()
}
