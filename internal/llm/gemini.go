package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// GeminiProvider is the search-capable provider. With GoogleSearch enabled the model grounds its
// answer with live web results.
type GeminiProvider struct {
	client       *genai.Client
	model        string
	googleSearch bool
	timeout      time.Duration
}

func NewGeminiProvider(ctx context.Context, cfg config.SearchProviderConfig) (*GeminiProvider, error) {
	return newGeminiProvider(ctx, cfg, nil)
}

func newGeminiProvider(ctx context.Context, cfg config.SearchProviderConfig, httpClient *http.Client) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: cfg.Model, googleSearch: cfg.GoogleSearch, timeout: cfg.Timeout}, nil
}

func (g *GeminiProvider) Name() string { return "gemini:" + g.model }

func (g *GeminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	gc := &genai.GenerateContentConfig{}
	if g.googleSearch {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	res, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), gc)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return "", Permanent(fmt.Errorf("gemini generate content: %w", err))
		}
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := res.Text()
	if text == "" {
		return "", errors.New("gemini returned empty text")
	}
	return text, nil
}
