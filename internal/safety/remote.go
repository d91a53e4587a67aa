package safety

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Remote is a model-backed classifier
type Remote interface {
	ClassifyText(ctx context.Context, text string) (*RemoteResult, error)
	ClassifyImage(ctx context.Context, data []byte) (*RemoteResult, error)
}

// RemoteResult is the parsed answer of a remote classifier
type RemoteResult struct {
	Safe       bool    `json:"safe"`
	Reason     string  `json:"reason"`
	ReasonCode string  `json:"reasonCode"`
	Confidence float64 `json:"confidence"`
}

const (
	textPrompt = `Analyze this content for safety. Check for: spam, advertising, violence, harassment, hate speech, threats, or harmful content. ` +
		`ALLOW controversial opinions, debate, criticism and satire. When in doubt, safe is true. ` +
		`Respond with JSON only: {"safe": true/false, "reason": "explanation", ` +
		`"reasonCode": "SPAM|ADVERTISING|HARASSMENT|VIOLENCE|HATE|OTHER", "confidence": 0.0-1.0}` +
		"\n\nContent: %q"

	imagePrompt = `Analyze this image for appropriateness. Check for: nudity, violence, explicit content, inappropriate material. ` +
		`Respond with JSON only: {"safe": true/false, "reason": "explanation", "reasonCode": "VIOLENCE|OTHER", "confidence": 0.0-1.0}`

	maxPromptRunes = 500
)

var (
	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

	textIndicators  = []string{"unsafe", "violence", "harassment", "hate", "threat"}
	imageIndicators = []string{"unsafe", "inappropriate", "nudity", "violence", "explicit"}
)

// OllamaClient classifies content with an Ollama-compatible generate endpoint
type OllamaClient struct {
	client *resty.Client
	model  string
}

// Ensure OllamaClient implements Remote
var _ Remote = (*OllamaClient)(nil)

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// NewOllamaClient creates a client for baseURL. Per-call deadlines come from ctx.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "citewalk-pipeline/1.0"),
		model: model,
	}
}

// ClassifyText asks the model whether text is safe
func (o *OllamaClient) ClassifyText(ctx context.Context, text string) (*RemoteResult, error) {
	runes := []rune(text)
	if len(runes) > maxPromptRunes {
		runes = runes[:maxPromptRunes]
	}

	return o.generate(ctx, generateRequest{
		Model:   o.model,
		Prompt:  fmt.Sprintf(textPrompt, string(runes)),
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0.1},
	}, textIndicators)
}

// ClassifyImage asks the model whether an image is safe
func (o *OllamaClient) ClassifyImage(ctx context.Context, data []byte) (*RemoteResult, error) {
	return o.generate(ctx, generateRequest{
		Model:   o.model,
		Prompt:  imagePrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(data)},
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0.1},
	}, imageIndicators)
}

func (o *OllamaClient) generate(ctx context.Context, req generateRequest, indicators []string) (*RemoteResult, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/generate")

	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode())
	}

	var gen generateResponse
	if err := json.Unmarshal(resp.Body(), &gen); err != nil {
		return nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	return parseAnalysis(gen.Response, indicators), nil
}

// parseAnalysis reads the first JSON object in a model answer, falling back
// to scanning the raw answer for unsafe indicators
func parseAnalysis(answer string, indicators []string) *RemoteResult {
	if match := jsonObject.FindString(answer); match != "" {
		var raw struct {
			Safe       *bool   `json:"safe"`
			Reason     string  `json:"reason"`
			ReasonCode string  `json:"reasonCode"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(match), &raw); err == nil {
			result := &RemoteResult{
				Safe:       raw.Safe == nil || *raw.Safe,
				Reason:     raw.Reason,
				ReasonCode: raw.ReasonCode,
				Confidence: raw.Confidence,
			}
			if result.Confidence <= 0 || result.Confidence > 1 {
				result.Confidence = 0.7
			}
			return result
		}
	}

	lower := strings.ToLower(answer)
	for _, indicator := range indicators {
		if strings.Contains(lower, indicator) {
			return &RemoteResult{Safe: false, Reason: "Content flagged by automated safety analysis.", Confidence: 0.7}
		}
	}
	return &RemoteResult{Safe: true, Confidence: 0.7}
}
