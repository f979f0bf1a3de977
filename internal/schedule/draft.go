package schedule

import (
	"slices"
	"time"

	"github.com/and161185/mealsync/internal/model"
)

// settle recomputes the derived fields of s against the server-confirmed base.
// A slot is dirty iff its recipes differ from base; a clean slot always skips.
func settle(s, base model.MealSlot) model.MealSlot {
	s.Dirty = !slices.Equal(s.Recipes, base.Recipes)
	s.PendingAction = effectiveAction(s)
	return s
}

// effectiveAction is what saving s would do. Deleting a meal the server
// never had collapses to skip.
func effectiveAction(s model.MealSlot) model.PendingAction {
	switch {
	case !s.Dirty:
		return model.ActionSkip
	case len(s.Recipes) > 0:
		return model.ActionUpsert
	case s.HasMeal():
		return model.ActionDelete
	default:
		return model.ActionSkip
	}
}

// BuildDraft returns the persisted projection of the dirty slots of a day, or
// nil when there is nothing to save.
func BuildDraft(key model.DayKey, slots model.DaySlots, now time.Time) *model.DraftPayload {
	var out map[model.MealType]model.DraftSlot
	for _, m := range model.MealTypes {
		s, ok := slots[m]
		if !ok {
			continue
		}
		action := effectiveAction(s)
		if action == model.ActionSkip {
			continue
		}
		if out == nil {
			out = make(map[model.MealType]model.DraftSlot)
		}
		out[m] = model.DraftSlot{Recipes: slices.Clone(s.Recipes), PendingAction: action}
	}
	if out == nil {
		return nil
	}
	return &model.DraftPayload{GroupID: key.GroupID, Date: key.Date, Slots: out, SavedAt: now.UTC()}
}

// BuildCommand turns the state of a day into the single save request.
func BuildCommand(key model.DayKey, slots model.DaySlots) model.DayCommand {
	cmd := model.DayCommand{Date: key.Date, GroupID: key.GroupID}
	for _, m := range model.MealTypes {
		s := slots[m]
		sc := model.SlotCommand{Action: effectiveAction(s)}
		if sc.Action == model.ActionUpsert {
			sc.RecipeList = slices.Clone(s.Recipes)
		}
		cmd.SetSlot(m, sc)
	}
	return cmd
}

// overlay applies a stored draft to the server-confirmed slots. Draft slots
// for locked meals are discarded; they could never be saved.
func overlay(base model.DaySlots, d *model.DraftPayload) (model.DaySlots, []model.MealType) {
	out := base.Clone()
	if d == nil {
		return out, nil
	}
	var dropped []model.MealType
	for _, m := range model.MealTypes {
		ds, ok := d.Slots[m]
		if !ok {
			continue
		}
		b := base[m]
		if b.Status.Locked() {
			dropped = append(dropped, m)
			continue
		}
		s := b.Clone()
		s.Recipes = slices.Clone(ds.Recipes)
		if s.Recipes == nil {
			s.Recipes = []model.RecipeEntry{}
		}
		out[m] = settle(s, b)
	}
	return out, dropped
}
