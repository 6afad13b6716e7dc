package unifiedllm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/gollm"
)

type countedLLM struct {
	gollm.LLM
	n int
}

func TestGollmTransportKeepsOneLLMPerSettings(t *testing.T) {
	var mu sync.Mutex
	built := 0
	newLLM := func(opts ...gollm.ConfigOption) (gollm.LLM, error) {
		mu.Lock()
		defer mu.Unlock()
		built++
		return &countedLLM{n: built}, nil
	}

	g, err := newGollmTransport("openai", "", newLLM, WithGollmModel("gpt-4.1"))
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	base, err := g.llmFor(Request{})
	require.NoError(t, err)
	same, err := g.llmFor(Request{Model: "gpt-4.1"})
	require.NoError(t, err)
	assert.Same(t, base, same)
	assert.Equal(t, 1, built)

	cold := 0.1
	other, err := g.llmFor(Request{Temperature: &cold})
	require.NoError(t, err)
	assert.NotSame(t, base, other)

	mini, err := g.llmFor(Request{Model: "gpt-4.1-mini"})
	require.NoError(t, err)
	assert.NotSame(t, base, mini)
	assert.Equal(t, 3, built)

	// Concurrent requests with distinct settings never share an LLM.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.llmFor(Request{Model: "gpt-4.1-mini", Temperature: &cold})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, built)
}

func TestGollmTransportFromLLMIgnoresRequestSettings(t *testing.T) {
	llm := &countedLLM{}
	g := NewGollmTransportFromLLM("ollama", llm)
	got, err := g.llmFor(Request{Model: "llama3", MaxTokens: 10})
	require.NoError(t, err)
	assert.Same(t, gollm.LLM(llm), got)
}
