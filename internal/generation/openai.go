package generation

import (
	"context"
	"encoding/base64"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultChatModel  = "gpt-4o-mini"
	defaultImageModel = "gpt-image-1"

	refineSystemPrompt = "You rewrite a user's description into a single " +
		"vivid painting prompt for a fantasy illustration. Answer with the " +
		"prompt only, no commentary."
)

// promptFraming maps each generation type to how the subject is presented to
// the model. The set is closed; Request.Validate rejects anything else.
var promptFraming = map[Type]string{
	TypeCharacter: "A full-body fantasy character portrait",
	TypeScene:     "A wide establishing shot of a fantasy scene",
	TypeCreature:  "A detailed fantasy creature study",
	TypeItem:      "A single fantasy item on a plain background",
}

// OpenAIClient is the slice of the OpenAI SDK the adapters use.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// OpenAIRefiner implements PromptRefiner over a chat model.
type OpenAIRefiner struct {
	client OpenAIClient
	model  string
}

// NewOpenAIRefiner wires a refiner. An empty model selects the default.
func NewOpenAIRefiner(client OpenAIClient, model string) *OpenAIRefiner {
	if model == "" {
		model = defaultChatModel
	}
	return &OpenAIRefiner{client: client, model: model}
}

// Refine asks the chat model for a drawing prompt framed for the type.
func (refiner *OpenAIRefiner) Refine(ctx context.Context, generationType Type, description string) (string, error) {
	response, err := refiner.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: refiner.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: refineSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("%s: %s", promptFraming[generationType], description)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("refine prompt: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("refine prompt: empty completion")
	}
	return response.Choices[0].Message.Content, nil
}

// OpenAIRenderer implements ImageRenderer over the image API.
type OpenAIRenderer struct {
	client OpenAIClient
	model  string
}

// NewOpenAIRenderer wires a renderer. An empty model selects the default.
func NewOpenAIRenderer(client OpenAIClient, model string) *OpenAIRenderer {
	if model == "" {
		model = defaultImageModel
	}
	return &OpenAIRenderer{client: client, model: model}
}

// Render produces the image bytes for a refined prompt.
func (renderer *OpenAIRenderer) Render(ctx context.Context, prompt string, aspect AspectRatio, quality Quality) ([]byte, error) {
	response, err := renderer.client.CreateImage(ctx, openai.ImageRequest{
		Model:   renderer.model,
		Prompt:  prompt,
		N:       1,
		Size:    aspect.PixelSize(),
		Quality: imageQuality(quality),
	})
	if err != nil {
		return nil, fmt.Errorf("render image: %w", err)
	}
	if len(response.Data) == 0 || response.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("render image: empty response")
	}
	imageData, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return imageData, nil
}

func imageQuality(quality Quality) string {
	switch quality {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	default:
		return "high"
	}
}
