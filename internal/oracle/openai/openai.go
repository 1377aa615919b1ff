// Package openai adapts the OpenAI chat completion API to the oracle port.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mpataki/crew/internal/oracle"
)

const defaultModel = "gpt-4o-mini"

type Client struct {
	client *goopenai.Client
	model  string
}

func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{client: goopenai.NewClient(apiKey), model: model}, nil
}

func (c *Client) Complete(ctx context.Context, messages []oracle.Message) (oracle.Completion, error) {
	req := goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == oracle.RoleSystem {
			role = goopenai.ChatMessageRoleSystem
		}
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return oracle.Completion{}, oracle.Unavailable(fmt.Errorf("OpenAI API call failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return oracle.Completion{}, oracle.Unavailable(fmt.Errorf("OpenAI returned no choices"))
	}
	return oracle.Completion{Content: resp.Choices[0].Message.Content}, nil
}
