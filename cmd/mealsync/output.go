package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/and161185/mealsync/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type dayView struct {
	GroupID int64          `json:"group_id"`
	Date    string         `json:"date"`
	Unsaved bool           `json:"unsaved"`
	Slots   model.DaySlots `json:"slots"`
}

func printDay(w io.Writer, format string, key model.DayKey, slots model.DaySlots) error {
	if format == "json" {
		return printJSON(w, dayView{GroupID: key.GroupID, Date: key.Date, Unsaved: slots.AnyDirty(), Slots: slots})
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (group %d)\n", key.Date, key.GroupID)
	for _, m := range model.MealTypes {
		writeSlot(&b, m, slots[m])
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func printSlot(w io.Writer, format string, m model.MealType, s model.MealSlot) error {
	if format == "json" {
		return printJSON(w, map[model.MealType]model.MealSlot{m: s})
	}
	var b strings.Builder
	writeSlot(&b, m, s)
	_, err := io.WriteString(w, b.String())
	return err
}

func writeSlot(b *strings.Builder, m model.MealType, s model.MealSlot) {
	fmt.Fprintf(b, "%-10s", m)
	if s.HasMeal() {
		fmt.Fprintf(b, " meal %d [%s]", s.MealID, s.Status)
	} else {
		b.WriteString(" -")
	}
	if s.Dirty {
		fmt.Fprintf(b, "  * unsaved (%s)", s.PendingAction)
	}
	b.WriteByte('\n')
	for _, r := range s.Recipes {
		name := r.RecipeName
		if name == "" {
			name = "recipe"
		}
		fmt.Fprintf(b, "  - %s x%d (#%d)\n", name, r.Servings, r.RecipeID)
	}
}

func formatToast(t model.Toast) string {
	prefix := ""
	if t.GroupName != "" {
		prefix = "[" + t.GroupName + "] "
	}
	return fmt.Sprintf("%s %s%s: %s", t.Timestamp.Format("15:04:05"), prefix, t.Title, t.Content)
}
