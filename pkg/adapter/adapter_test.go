package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/llm"
)

// scriptedProvider returns canned completions in order.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, prompt string, opts llm.CompletionOptions) (string, error) {
	if p.calls >= len(p.responses) {
		return p.responses[len(p.responses)-1], nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func newScriptedClient(t *testing.T, responses ...string) *llm.Client {
	t.Helper()
	client, err := llm.NewClient(&scriptedProvider{responses: responses})
	require.NoError(t, err)
	return client
}
