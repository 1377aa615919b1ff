// Package gemini adapts Google's GenAI SDK to the oracle port.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/mpataki/crew/internal/oracle"
)

const defaultModel = "gemini-2.5-flash"

type Client struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating GenAI client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

// Complete sends system messages as the system instruction and the rest as
// user content.
func (c *Client) Complete(ctx context.Context, messages []oracle.Message) (oracle.Completion, error) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		if m.Role == oracle.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	res, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return oracle.Completion{}, oracle.Unavailable(fmt.Errorf("gemini generate content: %w", err))
	}

	text := res.Text()
	if text == "" {
		return oracle.Completion{}, oracle.Unavailable(fmt.Errorf("gemini returned empty text"))
	}
	return oracle.Completion{Content: text}, nil
}
