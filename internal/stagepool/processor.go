// Copyright 2025 James Ross
package stagepool

import (
	"context"
	"fmt"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
)

// StageProcessor dispatches a task to its stage's bound Adapter,
// fetching whatever up-to-date item context (e.g. a prior stage's
// translated text) the provider call needs from the Session Store.
type StageProcessor struct {
	registry *providers.Registry
	store    *store.Store
}

func NewStageProcessor(registry *providers.Registry, st *store.Store) *StageProcessor {
	return &StageProcessor{registry: registry, store: st}
}

func (sp *StageProcessor) Attempt(ctx context.Context, task queue.Task) (output map[string]any, provider string, fallbackUsed bool, err error) {
	switch task.Stage {
	case queue.StageTranslation:
		out, provider, fallbackUsed, err := sp.registry.Translation.Run(ctx, providers.TranslationInput{
			ItemID: task.ItemID, JapaneseText: task.JapaneseText,
		})
		if err != nil {
			return nil, provider, fallbackUsed, err
		}
		return map[string]any{"english_text": out.EnglishText}, provider, fallbackUsed, nil

	case queue.StageDescription:
		item, err := sp.store.GetItem(ctx, task.SessionID, task.ItemID)
		if err != nil {
			return nil, "", false, err
		}
		out, provider, fallbackUsed, err := sp.registry.Description.Run(ctx, providers.DescriptionInput{
			ItemID: task.ItemID, JapaneseText: task.JapaneseText, EnglishText: item.EnglishText,
		})
		if err != nil {
			return nil, provider, fallbackUsed, err
		}
		return map[string]any{"description": out.Description}, provider, fallbackUsed, nil

	case queue.StageAllergen:
		item, err := sp.store.GetItem(ctx, task.SessionID, task.ItemID)
		if err != nil {
			return nil, "", false, err
		}
		out, provider, fallbackUsed, err := sp.registry.Allergen.Run(ctx, providers.AllergenInput{
			ItemID: task.ItemID, EnglishText: effectiveText(item),
		})
		if err != nil {
			return nil, provider, fallbackUsed, err
		}
		return map[string]any{"allergens": out.Allergens}, provider, fallbackUsed, nil

	case queue.StageIngredient:
		item, err := sp.store.GetItem(ctx, task.SessionID, task.ItemID)
		if err != nil {
			return nil, "", false, err
		}
		out, provider, fallbackUsed, err := sp.registry.Ingredient.Run(ctx, providers.IngredientInput{
			ItemID: task.ItemID, EnglishText: effectiveText(item),
		})
		if err != nil {
			return nil, provider, fallbackUsed, err
		}
		return map[string]any{"ingredients": out.Ingredients}, provider, fallbackUsed, nil

	case queue.StageImageSearch:
		item, err := sp.store.GetItem(ctx, task.SessionID, task.ItemID)
		if err != nil {
			return nil, "", false, err
		}
		out, provider, fallbackUsed, err := sp.registry.ImageSearch.Run(ctx, providers.ImageSearchInput{
			ItemID: task.ItemID, EnglishText: effectiveText(item),
		})
		if err != nil {
			return nil, provider, fallbackUsed, err
		}
		images := make([]map[string]any, len(out.Images))
		for i, ref := range out.Images {
			images[i] = imageRefToMap(ref)
		}
		return map[string]any{"images": images}, provider, fallbackUsed, nil

	case queue.StageImageGen:
		item, err := sp.store.GetItem(ctx, task.SessionID, task.ItemID)
		if err != nil {
			return nil, "", false, err
		}
		out, provider, fallbackUsed, err := sp.registry.ImageGen.Run(ctx, providers.ImageGenInput{
			ItemID: task.ItemID, EnglishText: effectiveText(item), Description: item.Description,
		})
		if err != nil {
			return nil, provider, fallbackUsed, err
		}
		images := []map[string]any{imageRefToMap(providers.ImageRef{
			URL: out.ImageURL, StorageKey: out.StorageKey, Prompt: out.Prompt, Metadata: out.Metadata,
		})}
		return map[string]any{"images": images}, provider, fallbackUsed, nil

	default:
		return nil, "", false, fmt.Errorf("stagepool: unknown stage %q", task.Stage)
	}
}

func imageRefToMap(ref providers.ImageRef) map[string]any {
	return map[string]any{
		"url": ref.URL, "storage_key": ref.StorageKey, "prompt": ref.Prompt, "metadata": ref.Metadata,
	}
}

// effectiveText prefers the translated English text once available,
// falling back to the raw Japanese text for stages that don't require
// translation to have completed first.
func effectiveText(item store.MenuItem) string {
	if item.EnglishText != "" {
		return item.EnglishText
	}
	return item.JapaneseText
}
