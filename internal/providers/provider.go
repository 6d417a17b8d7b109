// Copyright 2025 James Ross

// Package providers implements the per-stage provider adapters: a
// closed interface per enrichment stage, bound at startup to an
// ordered primary+fallback chain, gated by a per-(stage,provider)
// circuit breaker and wrapped with retry and timeout enforcement.
package providers

import "context"

// TranslationInput is one menu item's Japanese text awaiting
// translation to English.
type TranslationInput struct {
	ItemID       int
	JapaneseText string
}

type TranslationOutput struct {
	EnglishText string
}

// TranslationProvider translates a single menu item's name/description.
type TranslationProvider interface {
	Name() string
	Translate(ctx context.Context, in TranslationInput) (TranslationOutput, error)
}

type DescriptionInput struct {
	ItemID       int
	JapaneseText string
	EnglishText  string
}

type DescriptionOutput struct {
	Description string
}

// DescriptionProvider writes a customer-facing description for a dish.
type DescriptionProvider interface {
	Name() string
	Describe(ctx context.Context, in DescriptionInput) (DescriptionOutput, error)
}

type AllergenInput struct {
	ItemID      int
	EnglishText string
}

type AllergenOutput struct {
	Allergens []string
}

// AllergenProvider flags likely allergens present in a dish.
type AllergenProvider interface {
	Name() string
	DetectAllergens(ctx context.Context, in AllergenInput) (AllergenOutput, error)
}

type IngredientInput struct {
	ItemID      int
	EnglishText string
}

type IngredientOutput struct {
	Ingredients []string
}

// IngredientProvider lists the likely ingredients of a dish.
type IngredientProvider interface {
	Name() string
	ListIngredients(ctx context.Context, in IngredientInput) (IngredientOutput, error)
}

type ImageSearchInput struct {
	ItemID      int
	EnglishText string
}

// ImageRef is one candidate image: a URL plus whatever storage and
// provenance metadata lets the Session Store insert a full
// menu_item_images row for it.
type ImageRef struct {
	URL        string
	StorageKey string
	Prompt     string
	Metadata   map[string]any
}

// ImageSearchOutput carries every candidate image a search turned up;
// the Session Store inserts one menu_item_images row per entry.
type ImageSearchOutput struct {
	Images []ImageRef
}

// ImageSearchProvider finds existing photos of a dish.
type ImageSearchProvider interface {
	Name() string
	SearchImage(ctx context.Context, in ImageSearchInput) (ImageSearchOutput, error)
}

type ImageGenInput struct {
	ItemID      int
	EnglishText string
	Description string
}

// ImageGenOutput is the single image an image-gen provider produces,
// along with the storage key and prompt used to generate it.
type ImageGenOutput struct {
	ImageURL   string
	StorageKey string
	Prompt     string
	Metadata   map[string]any
}

// ImageGenProvider generates a photo of a dish. The image_gen stage runs
// for every item alongside image_search, not only when a search finds
// nothing.
type ImageGenProvider interface {
	Name() string
	GenerateImage(ctx context.Context, in ImageGenInput) (ImageGenOutput, error)
}
