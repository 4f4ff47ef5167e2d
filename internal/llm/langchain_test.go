package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type echoModel struct {
	prompts []string
	err     error
}

func (m *echoModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "echo: " + m.prompts[len(m.prompts)-1]}}}, nil
}

func (m *echoModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestLangchainCompleter(t *testing.T) {
	model := &echoModel{}
	c := NewLangchainCompleter(model, 0)

	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
	assert.Equal(t, []string{"hello"}, model.prompts)
}

func TestLangchainCompleterError(t *testing.T) {
	c := NewLangchainCompleter(&echoModel{err: errors.New("quota exceeded")}, 0)

	_, err := c.Complete(context.Background(), "hello")
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "mystery"})
	assert.Error(t, err)
}
