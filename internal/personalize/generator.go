package personalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
)

// GenerationContext carries what the generator needs to personalize a
// message body for one recipient.
type GenerationContext struct {
	BaseBody  string
	Recipient *domain.Recipient
}

// Generator produces an AI-personalized message body. Implementations must
// respect the context deadline; the engine degrades to the advanced
// rendering on any error.
type Generator interface {
	Generate(ctx context.Context, gc GenerationContext) (string, error)
}

// StaticGenerator returns a fixed body or error. Test double.
type StaticGenerator struct {
	Body string
	Err  error
}

func (g *StaticGenerator) Generate(ctx context.Context, gc GenerationContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.Err != nil {
		return "", g.Err
	}
	return g.Body, nil
}

// bedrockMessage and friends mirror the Anthropic messages payload that
// Bedrock's InvokeModel expects for Claude models.
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BedrockGenerator implements Generator against AWS Bedrock.
type BedrockGenerator struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrockGenerator creates a Bedrock-backed generator from config.
func NewBedrockGenerator(ctx context.Context, cfg config.BedrockConfig) (*BedrockGenerator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.Printf("[Bedrock] Initialized generator with model=%s, region=%s", cfg.ModelID, cfg.Region)
	return &BedrockGenerator{
		client:    bedrockruntime.NewFromConfig(awsCfg),
		modelID:   cfg.ModelID,
		maxTokens: cfg.MaxTokens,
	}, nil
}

const generatorSystemPrompt = `You rewrite outbound marketing messages to feel personally written for one recipient.
Keep the factual content, offer, and any links exactly as given. Keep roughly the same length.
Return only the rewritten message body with no preamble and no template syntax.`

func (g *BedrockGenerator) Generate(ctx context.Context, gc GenerationContext) (string, error) {
	prompt := buildPrompt(gc)

	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        g.maxTokens,
		System:           generatorSystemPrompt,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: prompt}}},
		},
		Temperature: 0.7,
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return "", fmt.Errorf("Bedrock API error: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, content := range response.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}
	log.Printf("[Bedrock] Generated body (in: %d tokens, out: %d tokens)",
		response.Usage.InputTokens, response.Usage.OutputTokens)
	return strings.TrimSpace(text.String()), nil
}

func buildPrompt(gc GenerationContext) string {
	var b strings.Builder
	b.WriteString("Recipient profile:\n")
	if gc.Recipient != nil {
		fmt.Fprintf(&b, "- Name: %s %s\n", gc.Recipient.FirstName, gc.Recipient.LastName)
		if gc.Recipient.City != "" {
			fmt.Fprintf(&b, "- City: %s\n", gc.Recipient.City)
		}
		fmt.Fprintf(&b, "- Engagement: %s\n", gc.Recipient.EngagementTier)
		for k, v := range gc.Recipient.Attributes {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	b.WriteString("\nMessage to personalize:\n")
	b.WriteString(gc.BaseBody)
	return b.String()
}
