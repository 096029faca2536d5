package answer

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient talks to any OpenAI compatible chat completion endpoint.
type ChatClient struct {
	client      *openai.Client
	Model       string
	Temperature float32
	MaxTokens   int
}

type ChatOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

func NewChatClient(opts ChatOptions) *ChatClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 160
	}
	return &ChatClient{
		client:      openai.NewClientWithConfig(cfg),
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens,
	}
}

func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.Model,
		Messages:    msgs,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
