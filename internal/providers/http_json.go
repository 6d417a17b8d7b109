// Copyright 2025 James Ross
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPJSONProvider is a generic REST/JSON caller: POST a JSON-encoded
// request body, decode a JSON response body. Stage-specific providers
// compose it rather than reimplementing HTTP plumbing.
type HTTPJSONProvider struct {
	name    string
	url     string
	apiKey  string
	client  *http.Client
}

func NewHTTPJSONProvider(name, url, apiKey string, timeout time.Duration) *HTTPJSONProvider {
	return &HTTPJSONProvider{
		name:   name,
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPJSONProvider) Name() string { return p.name }

// Do marshals req, performs the call, and unmarshals the body into
// resp. It classifies the response into the provider error taxonomy.
func (p *HTTPJSONProvider) Do(ctx context.Context, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Provider: p.name, Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &TimeoutError{Provider: p.name}
		}
		return &TransientError{Provider: p.name, Cause: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &TransientError{Provider: p.name, Cause: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return &AuthError{Provider: p.name, Detail: string(raw)}
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Provider: p.name, RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After"))}
	case httpResp.StatusCode >= 500:
		return &TransientError{Provider: p.name, Cause: fmt.Errorf("status %d", httpResp.StatusCode)}
	case httpResp.StatusCode >= 400:
		return &UpstreamError{Provider: p.name, StatusCode: httpResp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, resp); err != nil {
		return &UpstreamError{Provider: p.name, StatusCode: httpResp.StatusCode, Body: string(raw)}
	}
	return nil
}

func parseRetryAfter(v string) int {
	var n int
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n
}

// The types below expose HTTPJSONProvider through each stage's closed
// interface so it can sit in any stage's fallback chain alongside
// StubProvider.

type HTTPTranslationProvider struct{ *HTTPJSONProvider }

func (p HTTPTranslationProvider) Translate(ctx context.Context, in TranslationInput) (TranslationOutput, error) {
	var out TranslationOutput
	err := p.Do(ctx, in, &out)
	return out, err
}

type HTTPDescriptionProvider struct{ *HTTPJSONProvider }

func (p HTTPDescriptionProvider) Describe(ctx context.Context, in DescriptionInput) (DescriptionOutput, error) {
	var out DescriptionOutput
	err := p.Do(ctx, in, &out)
	return out, err
}

type HTTPAllergenProvider struct{ *HTTPJSONProvider }

func (p HTTPAllergenProvider) DetectAllergens(ctx context.Context, in AllergenInput) (AllergenOutput, error) {
	var out AllergenOutput
	err := p.Do(ctx, in, &out)
	return out, err
}

type HTTPIngredientProvider struct{ *HTTPJSONProvider }

func (p HTTPIngredientProvider) ListIngredients(ctx context.Context, in IngredientInput) (IngredientOutput, error) {
	var out IngredientOutput
	err := p.Do(ctx, in, &out)
	return out, err
}

type HTTPImageSearchProvider struct{ *HTTPJSONProvider }

func (p HTTPImageSearchProvider) SearchImage(ctx context.Context, in ImageSearchInput) (ImageSearchOutput, error) {
	var out ImageSearchOutput
	err := p.Do(ctx, in, &out)
	return out, err
}

type HTTPImageGenProvider struct{ *HTTPJSONProvider }

func (p HTTPImageGenProvider) GenerateImage(ctx context.Context, in ImageGenInput) (ImageGenOutput, error) {
	var out ImageGenOutput
	err := p.Do(ctx, in, &out)
	return out, err
}
