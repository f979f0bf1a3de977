package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
	"github.com/and161185/mealsync/internal/schedule"
)

// Days calls the daily schedule and meal transition endpoints.
type Days struct{ c *Client }

var _ schedule.DayAPI = (*Days)(nil)

// NewDays wraps c, which should authorize requests.
func NewDays(c *Client) *Days { return &Days{c: c} }

type wireDay struct {
	Breakfast json.RawMessage `json:"breakfast"`
	Lunch     json.RawMessage `json:"lunch"`
	Dinner    json.RawMessage `json:"dinner"`
}

type wireMeal struct {
	MealID     *int64              `json:"meal_id"`
	MealStatus string              `json:"meal_status"`
	RecipeList []model.RecipeEntry `json:"recipe_list"`
}

// GetDay fetches the server state of a day.
func (d *Days) GetDay(ctx context.Context, key model.DayKey) (model.DaySnapshot, error) {
	path := fmt.Sprintf("/groups/%d/meals/daily?date=%s", key.GroupID, url.QueryEscape(key.Date))
	var w wireDay
	if err := d.c.do(ctx, http.MethodGet, path, nil, nil, &w); err != nil {
		return nil, err
	}
	return decodeDay(w)
}

// SaveDay sends the atomic day command and returns the normalized state.
func (d *Days) SaveDay(ctx context.Context, cmd model.DayCommand) (model.DaySnapshot, error) {
	path := fmt.Sprintf("/groups/%d/meals/daily", cmd.GroupID)
	var w wireDay
	if err := d.c.do(ctx, http.MethodPost, path, nil, cmd, &w); err != nil {
		return nil, err
	}
	return decodeDay(w)
}

// TransitionMeal finishes, cancels or reopens a meal.
func (d *Days) TransitionMeal(ctx context.Context, mealID int64, action model.TransitionAction) (model.MealRecord, error) {
	if !action.Valid() {
		return model.MealRecord{}, fmt.Errorf("transition %q: %w", action, errs.ErrValidation)
	}
	path := fmt.Sprintf("/meals/%d/%s", mealID, action)
	var w wireMeal
	if err := d.c.do(ctx, http.MethodPost, path, nil, nil, &w); err != nil {
		return model.MealRecord{}, err
	}
	if w.MealID == nil || *w.MealID <= 0 || !model.MealStatus(w.MealStatus).Valid() {
		return model.MealRecord{}, fmt.Errorf("POST %s: bad meal record: %w", path, errs.ErrInvalidResponse)
	}
	return model.MealRecord{MealID: *w.MealID, Status: model.MealStatus(w.MealStatus)}, nil
}

func decodeDay(w wireDay) (model.DaySnapshot, error) {
	raw := map[model.MealType]json.RawMessage{
		model.Breakfast: w.Breakfast,
		model.Lunch:     w.Lunch,
		model.Dinner:    w.Dinner,
	}
	out := make(model.DaySnapshot, len(raw))
	for _, m := range model.MealTypes {
		s, err := decodeSlot(raw[m])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		out[m] = s
	}
	return out, nil
}

// decodeSlot reads a meal record, or the missing marker ({} or null).
func decodeSlot(raw json.RawMessage) (model.ServerSlot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return model.MissingSlot(), nil
	}
	var w wireMeal
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.ServerSlot{}, fmt.Errorf("%w: %v", errs.ErrInvalidResponse, err)
	}
	if w.MealID == nil {
		return model.MissingSlot(), nil
	}
	if *w.MealID <= 0 {
		return model.ServerSlot{}, fmt.Errorf("meal id %d: %w", *w.MealID, errs.ErrInvalidResponse)
	}
	if !model.MealStatus(w.MealStatus).Valid() {
		return model.ServerSlot{}, fmt.Errorf("meal status %q: %w", w.MealStatus, errs.ErrInvalidResponse)
	}
	for _, r := range w.RecipeList {
		if r.RecipeID <= 0 || r.Servings < 1 {
			return model.ServerSlot{}, fmt.Errorf("recipe %d: %w", r.RecipeID, errs.ErrInvalidResponse)
		}
	}
	return model.PresentSlot(model.MealRecord{
		MealID:  *w.MealID,
		Status:  model.MealStatus(w.MealStatus),
		Recipes: w.RecipeList,
	}), nil
}
