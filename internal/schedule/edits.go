package schedule

import (
	"fmt"
	"slices"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
)

// Edit transforms a slot's recipe list. It receives a copy it may modify.
type Edit func([]model.RecipeEntry) ([]model.RecipeEntry, error)

// AddRecipe adds r, or replaces the entry with the same recipe id.
func AddRecipe(r model.RecipeEntry) Edit {
	return func(list []model.RecipeEntry) ([]model.RecipeEntry, error) {
		if r.RecipeID <= 0 {
			return nil, fmt.Errorf("recipe id %d: %w", r.RecipeID, errs.ErrValidation)
		}
		if r.Servings < 1 {
			return nil, fmt.Errorf("servings %d: %w", r.Servings, errs.ErrValidation)
		}
		if i := indexOf(list, r.RecipeID); i >= 0 {
			list[i] = r
			return list, nil
		}
		return append(list, r), nil
	}
}

// RemoveRecipe drops the recipe with id.
func RemoveRecipe(id int64) Edit {
	return func(list []model.RecipeEntry) ([]model.RecipeEntry, error) {
		i := indexOf(list, id)
		if i < 0 {
			return nil, fmt.Errorf("recipe %d: %w", id, errs.ErrNotFound)
		}
		return slices.Delete(list, i, i+1), nil
	}
}

// SetServings changes the servings of recipe id; n must be at least 1.
func SetServings(id int64, n int) Edit {
	return func(list []model.RecipeEntry) ([]model.RecipeEntry, error) {
		if n < 1 {
			return nil, fmt.Errorf("servings %d: %w", n, errs.ErrValidation)
		}
		i := indexOf(list, id)
		if i < 0 {
			return nil, fmt.Errorf("recipe %d: %w", id, errs.ErrNotFound)
		}
		list[i].Servings = n
		return list, nil
	}
}

// ClearRecipes empties the slot, marking a saved meal for deletion.
func ClearRecipes() Edit {
	return func([]model.RecipeEntry) ([]model.RecipeEntry, error) {
		return []model.RecipeEntry{}, nil
	}
}

func indexOf(list []model.RecipeEntry, id int64) int {
	return slices.IndexFunc(list, func(r model.RecipeEntry) bool { return r.RecipeID == id })
}
