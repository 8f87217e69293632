package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/store"
)

// DefaultStyles is the built-in style catalogue installed by SeedStyles.
var DefaultStyles = []model.StyleTemplate{
	{
		ID:                "model-display",
		Name:              "Model Display",
		PromptInstruction: "Design a professional model showcase: the model wears or uses the product gracefully against a clean, premium background with soft natural light that brings out the product's texture and quality.",
		SortOrder:         1,
	},
	{
		ID:                "natural-scene",
		Name:              "Natural Scene",
		PromptInstruction: "Blend the product into a natural setting such as a forest, beach or garden, lit by natural sunlight for a fresh, healthy feel.",
		SortOrder:         2,
	},
	{
		ID:                "minimal-business",
		Name:              "Minimal Business",
		PromptInstruction: "Set the product in a modern minimal business scene, a clean office or geometric backdrop, with professional lighting that keeps the look simple and precise.",
		SortOrder:         3,
	},
	{
		ID:                "luxury",
		Name:              "Luxury",
		PromptInstruction: "Create an elegant luxury scene using marble, silk or brushed metal as backdrop materials, lit to feel refined and expensive.",
		SortOrder:         4,
	},
	{
		ID:                "lifestyle",
		Name:              "Lifestyle",
		PromptInstruction: "Show the product in everyday use at home, at the office or outdoors so shoppers can picture themselves using it.",
		SortOrder:         5,
	},
	{
		ID:                "artistic",
		Name:              "Artistic",
		PromptInstruction: "Present the product artistically with abstract elements, creative composition and striking light effects for strong visual impact.",
		SortOrder:         6,
	},
}

// SeedStyles installs the default styles that are not present yet and
// returns how many were added. Existing templates are left alone.
func SeedStyles(ctx context.Context, styles store.StyleStore) (int, error) {
	added := 0
	for _, def := range DefaultStyles {
		_, err := styles.GetStyle(ctx, def.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrStyleNotFound) {
			return added, fmt.Errorf("failed to read style %s: %w", def.ID, err)
		}
		st := def
		st.Active = true
		if err := styles.UpsertStyle(ctx, &st); err != nil {
			return added, fmt.Errorf("failed to seed style %s: %w", def.ID, err)
		}
		added++
	}
	return added, nil
}
