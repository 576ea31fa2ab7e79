// Package assistant relays business-analysis prompts to a hosted generative
// model. It never fails a request: any upstream problem becomes a degraded
// reply asking the user to try again.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"backoffice/backend/internal/domain"
)

const TryAgainMessage = "The analysis service is unavailable right now. Please try again in a moment."

var ErrNotConfigured = errors.New("assistant is not configured")

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type GeminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey string, model string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.0-flash-001"
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	return b.String(), nil
}

const systemPrompt = `You are a retail back-office analyst. Answer using only the JSON business
context supplied with the question. Amounts are in the store currency. Be concise and
concrete; when the data cannot answer the question, say so.`

// Snapshot is the business context sent along with a prompt.
type Snapshot struct {
	Summary       domain.DashboardSummary `json:"summary"`
	TopProducts   []domain.TopProduct     `json:"top_products"`
	TopCategories []domain.TopCategory    `json:"top_categories"`
}

type Assistant struct {
	generator Generator
	timeout   time.Duration
}

// New returns an Assistant. A nil generator yields an assistant that always
// answers with the degraded reply.
func New(generator Generator, timeout time.Duration) *Assistant {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Assistant{generator: generator, timeout: timeout}
}

func (a *Assistant) Analyze(ctx context.Context, prompt string, snapshot Snapshot) domain.AnalysisResponse {
	if a.generator == nil {
		return degraded(ErrNotConfigured)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return degraded(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply, err := a.generator.Generate(callCtx, fmt.Sprintf("Business context:\n%s\n\nQuestion:\n%s", payload, strings.TrimSpace(prompt)))
	if err != nil {
		return degraded(err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return degraded(errors.New("empty reply"))
	}
	return domain.AnalysisResponse{Reply: reply}
}

func degraded(err error) domain.AnalysisResponse {
	log.Warn().Err(err).Msg("ai analysis degraded")
	return domain.AnalysisResponse{Reply: TryAgainMessage, Degraded: true}
}
