package model

import "time"

// DraftSlot is the persisted part of a dirty slot.
type DraftSlot struct {
	Recipes       []RecipeEntry `json:"recipes"`
	PendingAction PendingAction `json:"pending_action"`
}

// DraftPayload is the persisted projection of all dirty slots of a day.
type DraftPayload struct {
	GroupID int64                  `json:"group_id"`
	Date    string                 `json:"date"`
	Slots   map[MealType]DraftSlot `json:"slots"`
	SavedAt time.Time              `json:"saved_at"`
}

// Key returns the day the draft belongs to.
func (p DraftPayload) Key() DayKey { return DayKey{GroupID: p.GroupID, Date: p.Date} }

// SlotCommand is the per-slot instruction of a save request.
type SlotCommand struct {
	Action     PendingAction `json:"action"`
	RecipeList []RecipeEntry `json:"recipe_list,omitempty"`
}

// DayCommand is the single atomic save request for a day.
type DayCommand struct {
	Date      string      `json:"date"`
	GroupID   int64       `json:"group_id"`
	Breakfast SlotCommand `json:"breakfast"`
	Lunch     SlotCommand `json:"lunch"`
	Dinner    SlotCommand `json:"dinner"`
}

// Slot returns the command for m.
func (c DayCommand) Slot(m MealType) SlotCommand {
	switch m {
	case Breakfast:
		return c.Breakfast
	case Lunch:
		return c.Lunch
	default:
		return c.Dinner
	}
}

// SetSlot assigns the command for m.
func (c *DayCommand) SetSlot(m MealType, sc SlotCommand) {
	switch m {
	case Breakfast:
		c.Breakfast = sc
	case Lunch:
		c.Lunch = sc
	case Dinner:
		c.Dinner = sc
	}
}
