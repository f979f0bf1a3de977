package model

import (
	"fmt"
	"slices"
	"time"
)

// MealType identifies one of the three fixed slots of a day.
type MealType string

const (
	Breakfast MealType = "breakfast"
	Lunch     MealType = "lunch"
	Dinner    MealType = "dinner"
)

// MealTypes lists the slots in display order.
var MealTypes = []MealType{Breakfast, Lunch, Dinner}

// Valid reports whether m is one of the known slots.
func (m MealType) Valid() bool {
	return m == Breakfast || m == Lunch || m == Dinner
}

// ParseMealType converts user input into a MealType.
func ParseMealType(s string) (MealType, error) {
	m := MealType(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown meal type %q", s)
	}
	return m, nil
}

// MealStatus is the server-side lifecycle status of a meal.
// The zero value means the slot has no server meal.
type MealStatus string

const (
	StatusCreated   MealStatus = "created"
	StatusCancelled MealStatus = "cancelled"
	StatusDone      MealStatus = "done"
	StatusExpired   MealStatus = "expired"
)

// Valid reports whether s is a status the server may return.
func (s MealStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusCancelled, StatusDone, StatusExpired:
		return true
	}
	return false
}

// Locked reports whether the status is terminal and forbids edits.
func (s MealStatus) Locked() bool { return s == StatusDone || s == StatusExpired }

// PendingAction is what the next save will do with a slot.
type PendingAction string

const (
	ActionSkip   PendingAction = "skip"
	ActionUpsert PendingAction = "upsert"
	ActionDelete PendingAction = "delete"
)

// TransitionAction is a server-side status transition of a saved meal.
type TransitionAction string

const (
	TransitionFinish TransitionAction = "finish"
	TransitionCancel TransitionAction = "cancel"
	TransitionReopen TransitionAction = "reopen"
)

// Valid reports whether a is a known transition.
func (a TransitionAction) Valid() bool {
	return a == TransitionFinish || a == TransitionCancel || a == TransitionReopen
}

// RecipeEntry is a recipe planned in a slot.
type RecipeEntry struct {
	RecipeID   int64  `json:"recipe_id"`
	RecipeName string `json:"recipe_name"`
	Servings   int    `json:"servings"`
}

// MealSlot is the client-side state of one slot.
type MealSlot struct {
	// MealID is zero when the meal was never created on the server.
	MealID        int64         `json:"meal_id,omitempty"`
	Status        MealStatus    `json:"meal_status,omitempty"`
	Recipes       []RecipeEntry `json:"recipes"`
	PendingAction PendingAction `json:"pending_action"`
	Dirty         bool          `json:"dirty"`
}

// HasMeal reports whether the slot exists on the server.
func (s MealSlot) HasMeal() bool { return s.MealID != 0 }

// Clone returns a deep copy of the slot.
func (s MealSlot) Clone() MealSlot {
	s.Recipes = slices.Clone(s.Recipes)
	if s.Recipes == nil {
		s.Recipes = []RecipeEntry{}
	}
	return s
}

// DaySlots holds the three slots of a day.
type DaySlots map[MealType]MealSlot

// NewDaySlots returns three empty, clean slots.
func NewDaySlots() DaySlots {
	d := make(DaySlots, len(MealTypes))
	for _, m := range MealTypes {
		d[m] = MealSlot{Recipes: []RecipeEntry{}, PendingAction: ActionSkip}
	}
	return d
}

// Clone returns a deep copy.
func (d DaySlots) Clone() DaySlots {
	if d == nil {
		return nil
	}
	out := make(DaySlots, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

// AnyDirty reports whether at least one slot has unsaved edits.
func (d DaySlots) AnyDirty() bool {
	for _, s := range d {
		if s.Dirty {
			return true
		}
	}
	return false
}

// MealRecord is a meal as confirmed by the server.
type MealRecord struct {
	MealID  int64
	Status  MealStatus
	Recipes []RecipeEntry
}

// ServerSlot is either a full meal record or a missing marker.
type ServerSlot struct {
	present bool
	meal    MealRecord
}

// PresentSlot builds a slot that exists on the server.
func PresentSlot(m MealRecord) ServerSlot { return ServerSlot{present: true, meal: m} }

// MissingSlot builds a slot the server has no meal for.
func MissingSlot() ServerSlot { return ServerSlot{} }

// Meal returns the record and true when the slot is present.
func (s ServerSlot) Meal() (MealRecord, bool) { return s.meal, s.present }

// Confirmed converts the server view into a clean client slot.
func (s ServerSlot) Confirmed() MealSlot {
	if !s.present {
		return MealSlot{Recipes: []RecipeEntry{}, PendingAction: ActionSkip}
	}
	return MealSlot{
		MealID:        s.meal.MealID,
		Status:        s.meal.Status,
		Recipes:       slices.Clone(s.meal.Recipes),
		PendingAction: ActionSkip,
	}.Clone()
}

// DaySnapshot is the server-normalized state of the three slots.
type DaySnapshot map[MealType]ServerSlot

// Confirmed converts the snapshot into clean client slots; absent slots are missing.
func (d DaySnapshot) Confirmed() DaySlots {
	out := make(DaySlots, len(MealTypes))
	for _, m := range MealTypes {
		out[m] = d[m].Confirmed()
	}
	return out
}

// DateLayout is the wire and storage format of a day.
const DateLayout = "2006-01-02"

// DayKey identifies a (group, date) pair.
type DayKey struct {
	GroupID int64
	Date    string
}

// NewDayKey builds a key for the calendar day of t.
func NewDayKey(groupID int64, t time.Time) DayKey {
	return DayKey{GroupID: groupID, Date: t.Format(DateLayout)}
}

// ParseDayKey validates a YYYY-MM-DD date.
func ParseDayKey(groupID int64, date string) (DayKey, error) {
	if groupID <= 0 {
		return DayKey{}, fmt.Errorf("invalid group id %d", groupID)
	}
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return DayKey{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return NewDayKey(groupID, t), nil
}

// IsZero reports whether the key is unset.
func (k DayKey) IsZero() bool { return k == DayKey{} }

// DraftKey is the durable store key of the day's draft.
func (k DayKey) DraftKey() string {
	return fmt.Sprintf("draft:%d:%s", k.GroupID, k.Date)
}

func (k DayKey) String() string { return fmt.Sprintf("%d/%s", k.GroupID, k.Date) }
