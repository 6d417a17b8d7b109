// Copyright 2025 James Ross
package providers

import "context"

// The wrapper types below adapt each stage's named-method interface to
// the uniform Caller[In, Out] shape the generic Adapter drives.

type translationCaller struct{ p TranslationProvider }

func (c translationCaller) Name() string { return c.p.Name() }
func (c translationCaller) Call(ctx context.Context, in TranslationInput) (TranslationOutput, error) {
	return c.p.Translate(ctx, in)
}

func WrapTranslation(p TranslationProvider) Caller[TranslationInput, TranslationOutput] {
	return translationCaller{p: p}
}

type descriptionCaller struct{ p DescriptionProvider }

func (c descriptionCaller) Name() string { return c.p.Name() }
func (c descriptionCaller) Call(ctx context.Context, in DescriptionInput) (DescriptionOutput, error) {
	return c.p.Describe(ctx, in)
}

func WrapDescription(p DescriptionProvider) Caller[DescriptionInput, DescriptionOutput] {
	return descriptionCaller{p: p}
}

type allergenCaller struct{ p AllergenProvider }

func (c allergenCaller) Name() string { return c.p.Name() }
func (c allergenCaller) Call(ctx context.Context, in AllergenInput) (AllergenOutput, error) {
	return c.p.DetectAllergens(ctx, in)
}

func WrapAllergen(p AllergenProvider) Caller[AllergenInput, AllergenOutput] {
	return allergenCaller{p: p}
}

type ingredientCaller struct{ p IngredientProvider }

func (c ingredientCaller) Name() string { return c.p.Name() }
func (c ingredientCaller) Call(ctx context.Context, in IngredientInput) (IngredientOutput, error) {
	return c.p.ListIngredients(ctx, in)
}

func WrapIngredient(p IngredientProvider) Caller[IngredientInput, IngredientOutput] {
	return ingredientCaller{p: p}
}

type imageSearchCaller struct{ p ImageSearchProvider }

func (c imageSearchCaller) Name() string { return c.p.Name() }
func (c imageSearchCaller) Call(ctx context.Context, in ImageSearchInput) (ImageSearchOutput, error) {
	return c.p.SearchImage(ctx, in)
}

func WrapImageSearch(p ImageSearchProvider) Caller[ImageSearchInput, ImageSearchOutput] {
	return imageSearchCaller{p: p}
}

type imageGenCaller struct{ p ImageGenProvider }

func (c imageGenCaller) Name() string { return c.p.Name() }
func (c imageGenCaller) Call(ctx context.Context, in ImageGenInput) (ImageGenOutput, error) {
	return c.p.GenerateImage(ctx, in)
}

func WrapImageGen(p ImageGenProvider) Caller[ImageGenInput, ImageGenOutput] {
	return imageGenCaller{p: p}
}
