// Package gemini adapts the Google Gemini API to the provider contract using
// the official genai SDK.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/voxgate/voxgate/pkg/core/providers"
	"github.com/voxgate/voxgate/pkg/core/types"
)

// DefaultModel is used when a request does not pin one.
const DefaultModel = "gemini-2.0-flash"

// Provider implements providers.Provider against the Gemini API.
type Provider struct {
	client *genai.Client
}

// New creates a Gemini provider authenticated by API key.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Stream(ctx context.Context, req providers.Request) (*providers.Stream, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.Instructions}},
		}
	}

	contents := buildContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: empty message list")
	}

	stream := providers.NewStream()
	go func() {
		var usage types.Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				stream.Finish(usage, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if resp.UsageMetadata != nil {
				usage = types.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if text := resp.Text(); text != "" {
				if !stream.Send(ctx, text) {
					stream.Finish(usage, ctx.Err())
					return
				}
			}
		}
		stream.Finish(usage, nil)
	}()
	return stream, nil
}

// buildContents maps conversation roles onto Gemini's user/model pair. System
// turns are folded into user turns since Gemini carries instructions
// separately.
func buildContents(messages []types.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return out
}
