// Copyright 2025 James Ross
package providers

import (
	"context"
	"fmt"
	"strings"
)

// StubProvider gives deterministic, offline responses for every stage.
// It is the default provider chain entry for local development and
// for tests that don't want to stand up a live HTTP dependency.
type StubProvider struct {
	name string
}

func NewStubProvider(name string) *StubProvider {
	return &StubProvider{name: name}
}

func (s *StubProvider) Name() string { return s.name }

func (s *StubProvider) Translate(ctx context.Context, in TranslationInput) (TranslationOutput, error) {
	return TranslationOutput{EnglishText: "Translated: " + in.JapaneseText}, nil
}

func (s *StubProvider) Describe(ctx context.Context, in DescriptionInput) (DescriptionOutput, error) {
	return DescriptionOutput{Description: fmt.Sprintf("A delicious dish: %s.", in.EnglishText)}, nil
}

func (s *StubProvider) DetectAllergens(ctx context.Context, in AllergenInput) (AllergenOutput, error) {
	return AllergenOutput{Allergens: guessAllergens(in.EnglishText)}, nil
}

func (s *StubProvider) ListIngredients(ctx context.Context, in IngredientInput) (IngredientOutput, error) {
	return IngredientOutput{Ingredients: []string{"rice", "soy sauce", "vegetables"}}, nil
}

func (s *StubProvider) SearchImage(ctx context.Context, in ImageSearchInput) (ImageSearchOutput, error) {
	const resultsPerItem = 3
	images := make([]ImageRef, 0, resultsPerItem)
	for rank := 0; rank < resultsPerItem; rank++ {
		images = append(images, ImageRef{
			URL:      fmt.Sprintf("https://stub.local/images/search/%d-%d.jpg", in.ItemID, rank),
			Metadata: map[string]any{"rank": rank},
		})
	}
	return ImageSearchOutput{Images: images}, nil
}

func (s *StubProvider) GenerateImage(ctx context.Context, in ImageGenInput) (ImageGenOutput, error) {
	return ImageGenOutput{
		ImageURL:   fmt.Sprintf("https://stub.local/images/gen/%d.jpg", in.ItemID),
		StorageKey: fmt.Sprintf("generated/%d.jpg", in.ItemID),
		Prompt:     fmt.Sprintf("a photo of %s", in.EnglishText),
		Metadata:   map[string]any{"model": s.name},
	}, nil
}

func guessAllergens(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for allergen, keywords := range allergenKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				found = append(found, allergen)
				break
			}
		}
	}
	return found
}

var allergenKeywords = map[string][]string{
	"shellfish": {"shrimp", "crab", "lobster"},
	"gluten":    {"wheat", "soy sauce", "noodle"},
	"egg":       {"egg"},
	"dairy":     {"milk", "cheese", "butter"},
	"peanut":    {"peanut"},
}
