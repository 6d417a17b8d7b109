// Copyright 2025 James Ross
package providers

import (
	"os"
	"strings"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/breaker"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"go.uber.org/zap"
)

// Registry holds one bound Adapter per stage, built once at startup
// from the configured provider chains. Nothing after startup does
// string-keyed provider dispatch; each stage's Adapter already knows
// its concrete callers.
type Registry struct {
	Translation  *Adapter[TranslationInput, TranslationOutput]
	Description  *Adapter[DescriptionInput, DescriptionOutput]
	Allergen     *Adapter[AllergenInput, AllergenOutput]
	Ingredient   *Adapter[IngredientInput, IngredientOutput]
	ImageSearch  *Adapter[ImageSearchInput, ImageSearchOutput]
	ImageGen     *Adapter[ImageGenInput, ImageGenOutput]
}

func newBreakerFactory(cfg config.CircuitBreaker) func() *breaker.CircuitBreaker {
	return func() *breaker.CircuitBreaker {
		return breaker.New(cfg.Window, cfg.CooldownPeriod, cfg.FailureThreshold, cfg.MinSamples)
	}
}

func httpProviderFor(cfg *config.Config, name string) *HTTPJSONProvider {
	ep, ok := cfg.ProviderEndpoints[name]
	if !ok {
		return nil
	}
	apiKey := ""
	if ep.APIKeyEnv != "" {
		apiKey = os.Getenv(ep.APIKeyEnv)
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewHTTPJSONProvider(name, ep.URL, apiKey, timeout)
}

func isStub(name string) bool {
	return strings.HasPrefix(name, "stub_")
}

func retryPolicy(sp config.StagePool) RetryPolicy {
	attempts := sp.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	base := sp.RetryDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: 10 * base}
}

// NewRegistry builds every stage's Adapter from cfg.ProviderChains,
// resolving each provider name to a StubProvider or an
// HTTPJSONProvider-backed caller.
func NewRegistry(cfg *config.Config, log *zap.Logger) *Registry {
	bf := newBreakerFactory(cfg.CircuitBreaker)
	return &Registry{
		Translation: NewAdapter[TranslationInput, TranslationOutput](
			"translation",
			buildCallers(cfg, "translation", func(name string) Caller[TranslationInput, TranslationOutput] {
				if isStub(name) {
					return WrapTranslation(NewStubProvider(name))
				}
				return WrapTranslation(HTTPTranslationProvider{httpProviderFor(cfg, name)})
			}),
			bf, retryPolicy(cfg.Stages["translation"]), cfg.Stages["translation"].Timeout(), log,
		),
		Description: NewAdapter[DescriptionInput, DescriptionOutput](
			"description",
			buildCallers(cfg, "description", func(name string) Caller[DescriptionInput, DescriptionOutput] {
				if isStub(name) {
					return WrapDescription(NewStubProvider(name))
				}
				return WrapDescription(HTTPDescriptionProvider{httpProviderFor(cfg, name)})
			}),
			bf, retryPolicy(cfg.Stages["description"]), cfg.Stages["description"].Timeout(), log,
		),
		Allergen: NewAdapter[AllergenInput, AllergenOutput](
			"allergen",
			buildCallers(cfg, "allergen", func(name string) Caller[AllergenInput, AllergenOutput] {
				if isStub(name) {
					return WrapAllergen(NewStubProvider(name))
				}
				return WrapAllergen(HTTPAllergenProvider{httpProviderFor(cfg, name)})
			}),
			bf, retryPolicy(cfg.Stages["allergen"]), cfg.Stages["allergen"].Timeout(), log,
		),
		Ingredient: NewAdapter[IngredientInput, IngredientOutput](
			"ingredient",
			buildCallers(cfg, "ingredient", func(name string) Caller[IngredientInput, IngredientOutput] {
				if isStub(name) {
					return WrapIngredient(NewStubProvider(name))
				}
				return WrapIngredient(HTTPIngredientProvider{httpProviderFor(cfg, name)})
			}),
			bf, retryPolicy(cfg.Stages["ingredient"]), cfg.Stages["ingredient"].Timeout(), log,
		),
		ImageSearch: NewAdapter[ImageSearchInput, ImageSearchOutput](
			"image_search",
			buildCallers(cfg, "image_search", func(name string) Caller[ImageSearchInput, ImageSearchOutput] {
				if isStub(name) {
					return WrapImageSearch(NewStubProvider(name))
				}
				return WrapImageSearch(HTTPImageSearchProvider{httpProviderFor(cfg, name)})
			}),
			bf, retryPolicy(cfg.Stages["image_search"]), cfg.Stages["image_search"].Timeout(), log,
		),
		ImageGen: NewAdapter[ImageGenInput, ImageGenOutput](
			"image_gen",
			buildCallers(cfg, "image_gen", func(name string) Caller[ImageGenInput, ImageGenOutput] {
				if isStub(name) {
					return WrapImageGen(NewStubProvider(name))
				}
				return WrapImageGen(HTTPImageGenProvider{httpProviderFor(cfg, name)})
			}),
			bf, retryPolicy(cfg.Stages["image_gen"]), cfg.Stages["image_gen"].Timeout(), log,
		),
	}
}

func buildCallers[In, Out any](cfg *config.Config, stage string, build func(name string) Caller[In, Out]) []Caller[In, Out] {
	chain := cfg.ProviderChains[stage]
	names := chain.Ordered()
	out := make([]Caller[In, Out], 0, len(names))
	for _, name := range names {
		out = append(out, build(name))
	}
	return out
}
