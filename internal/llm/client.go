package llm

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/domain"
)

// HistoryEntry is one {role, content} pair of the outbound conversation
// history, in visible-path order.
type HistoryEntry struct {
	Role    domain.Role
	Content string
}

// Request carries everything one generation needs: the resolved history,
// image references extracted from attachments, and an optional memory
// context block injected ahead of the conversation.
type Request struct {
	History []HistoryEntry
	Images  []string
	Memory  string
}

type Client struct {
	llm    llms.Model
	preset config.ModelPreset
}

func NewClient(preset config.ModelPreset) (*Client, error) {
	var model llms.Model
	var err error

	switch preset.Provider {
	case "openai":
		model, err = openai.New(
			openai.WithModel(preset.Name),
		)
	case "anthropic":
		model, err = anthropic.New(
			anthropic.WithModel(preset.Name),
		)
	case "googleai":
		model, err = googleai.New(
			context.Background(),
			googleai.WithDefaultModel(preset.Name),
			googleai.WithAPIKey(os.Getenv("GEMINI_API_KEY")),
		)
	default:
		return nil, errors.Errorf("unsupported provider: %s", preset.Provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s client", preset.Provider)
	}

	return &Client{llm: model, preset: preset}, nil
}

func (c *Client) Preset() config.ModelPreset {
	return c.preset
}

func buildMessages(req Request) []llms.MessageContent {
	var msgs []llms.MessageContent
	if req.Memory != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.Memory))
	}
	for _, entry := range req.History {
		var role llms.ChatMessageType
		switch entry.Role {
		case domain.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case domain.RoleSystem:
			role = llms.ChatMessageTypeSystem
		default:
			role = llms.ChatMessageTypeHuman
		}
		msgs = append(msgs, llms.TextParts(role, entry.Content))
	}

	// Image references ride along with the final user message.
	if len(req.Images) > 0 && len(msgs) > 0 {
		last := &msgs[len(msgs)-1]
		for _, url := range req.Images {
			last.Parts = append(last.Parts, llms.ImageURLPart(url))
		}
	}
	return msgs
}

// Stream opens a generation for req and forwards chunks to onChunk in
// arrival order. It returns once the stream ends cleanly, fails, or ctx is
// cancelled; onChunk errors abort the call.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(chunk string) error) error {
	opts := []llms.CallOption{
		llms.WithTemperature(c.preset.Temperature),
		llms.WithMaxTokens(c.preset.MaxTokens),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return onChunk(string(chunk))
		}),
	}

	if _, err := c.llm.GenerateContent(ctx, buildMessages(req), opts...); err != nil {
		return errors.Wrap(err, "generation stream failed")
	}
	return nil
}
