package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
	"github.com/and161185/mealsync/internal/schedule"
)

// DayOptions holds flags shared by the day commands.
type DayOptions struct {
	*RootOptions
	GroupID int64
	Date    string
	Meal    string
}

func (o *DayOptions) key() (model.DayKey, error) {
	if o.GroupID <= 0 {
		return model.DayKey{}, errors.New("--group is required")
	}
	if o.Date == "" {
		return model.NewDayKey(o.GroupID, time.Now()), nil
	}
	return model.ParseDayKey(o.GroupID, o.Date)
}

// withDay loads the selected day, restoring any draft, and runs fn on it.
func (o *DayOptions) withDay(cmd *cobra.Command, fn func(ctx context.Context, key model.DayKey, e *schedule.Engine) error) error {
	key, err := o.key()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), o.cfg, o.log)
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.engine()
	if _, err := e.LoadDay(cmd.Context(), key); err != nil {
		return fmt.Errorf("loading %s: %w", key, err)
	}
	return fn(cmd.Context(), key, e)
}

// mutate applies edit to the selected meal and prints the slot.
func (o *DayOptions) mutate(cmd *cobra.Command, edit func() schedule.Edit) error {
	m, err := model.ParseMealType(o.Meal)
	if err != nil {
		return err
	}
	return o.withDay(cmd, func(ctx context.Context, _ model.DayKey, e *schedule.Engine) error {
		slot, err := e.Mutate(ctx, m, edit())
		if err != nil {
			return err
		}
		return printSlot(cmd.OutOrStdout(), o.Format, m, slot)
	})
}

func newDayCommand(root *RootOptions) *cobra.Command {
	opts := &DayOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "day",
		Short: "Edit the meal plan of a day",
		Long: `Edit the meal plan of a day.

Edits are kept as a local draft until "day save" sends them in one request.

Example:
  mealsync day add --group 4 --date 2024-03-01 --meal lunch --recipe 12 --servings 2
  mealsync day save --group 4 --date 2024-03-01`,
	}
	cmd.PersistentFlags().Int64VarP(&opts.GroupID, "group", "g", 0, "group id")
	cmd.PersistentFlags().StringVarP(&opts.Date, "date", "d", "", "day as YYYY-MM-DD (default today)")

	cmd.AddCommand(
		newDayShowCommand(opts),
		newDayAddCommand(opts),
		newDayRemoveCommand(opts),
		newDayServingsCommand(opts),
		newDayClearCommand(opts),
		newDaySaveCommand(opts),
		newDayUndoCommand(opts),
	)
	for _, action := range []model.TransitionAction{model.TransitionFinish, model.TransitionCancel, model.TransitionReopen} {
		cmd.AddCommand(newDayTransitionCommand(opts, action))
	}
	return cmd
}

func mealFlag(cmd *cobra.Command, opts *DayOptions) {
	cmd.Flags().StringVarP(&opts.Meal, "meal", "m", "", "breakfast, lunch or dinner")
	_ = cmd.MarkFlagRequired("meal")
}

func newDayShowCommand(opts *DayOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the day including unsaved edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withDay(cmd, func(_ context.Context, key model.DayKey, e *schedule.Engine) error {
				_, slots := e.State()
				return printDay(cmd.OutOrStdout(), opts.Format, key, slots)
			})
		},
	}
}

func newDayAddCommand(opts *DayOptions) *cobra.Command {
	var r model.RecipeEntry
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recipe to a meal, or replace its servings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.mutate(cmd, func() schedule.Edit { return schedule.AddRecipe(r) })
		},
	}
	mealFlag(cmd, opts)
	cmd.Flags().Int64VarP(&r.RecipeID, "recipe", "r", 0, "recipe id")
	cmd.Flags().StringVar(&r.RecipeName, "name", "", "recipe name")
	cmd.Flags().IntVarP(&r.Servings, "servings", "s", 1, "servings")
	_ = cmd.MarkFlagRequired("recipe")
	return cmd
}

func newDayRemoveCommand(opts *DayOptions) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a recipe from a meal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.mutate(cmd, func() schedule.Edit { return schedule.RemoveRecipe(id) })
		},
	}
	mealFlag(cmd, opts)
	cmd.Flags().Int64VarP(&id, "recipe", "r", 0, "recipe id")
	_ = cmd.MarkFlagRequired("recipe")
	return cmd
}

func newDayServingsCommand(opts *DayOptions) *cobra.Command {
	var (
		id int64
		n  int
	)
	cmd := &cobra.Command{
		Use:   "servings",
		Short: "Change the servings of a planned recipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.mutate(cmd, func() schedule.Edit { return schedule.SetServings(id, n) })
		},
	}
	mealFlag(cmd, opts)
	cmd.Flags().Int64VarP(&id, "recipe", "r", 0, "recipe id")
	cmd.Flags().IntVarP(&n, "servings", "s", 1, "servings")
	_ = cmd.MarkFlagRequired("recipe")
	return cmd
}

func newDayClearCommand(opts *DayOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every recipe from a meal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.mutate(cmd, schedule.ClearRecipes)
		},
	}
	mealFlag(cmd, opts)
	return cmd
}

func newDaySaveCommand(opts *DayOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Send all unsaved edits of the day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withDay(cmd, func(ctx context.Context, key model.DayKey, e *schedule.Engine) error {
				if !e.HasUnsavedChanges() {
					fmt.Fprintln(cmd.ErrOrStderr(), "nothing to save")
				}
				slots, err := e.Save(ctx)
				if err != nil {
					var se *schedule.SyncError
					if errors.As(err, &se) {
						if se.NeedsReauth() {
							return fmt.Errorf("%s (run `mealsync login`): %w", se.UserMessage(), err)
						}
						if errs.Retryable(err) {
							return fmt.Errorf("%s (retry later): %w", se.UserMessage(), err)
						}
						return fmt.Errorf("%s: %w", se.UserMessage(), err)
					}
					return err
				}
				return printDay(cmd.OutOrStdout(), opts.Format, key, slots)
			})
		},
	}
}

func newDayUndoCommand(opts *DayOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Discard unsaved edits of the day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withDay(cmd, func(ctx context.Context, key model.DayKey, e *schedule.Engine) error {
				slots, err := e.Undo(ctx)
				if err != nil {
					return err
				}
				return printDay(cmd.OutOrStdout(), opts.Format, key, slots)
			})
		},
	}
}

func newDayTransitionCommand(opts *DayOptions, action model.TransitionAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action),
		Short: fmt.Sprintf("Mark a saved meal as %s", transitionPast[action]),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := model.ParseMealType(opts.Meal)
			if err != nil {
				return err
			}
			return opts.withDay(cmd, func(ctx context.Context, _ model.DayKey, e *schedule.Engine) error {
				slot, err := e.Transition(ctx, m, action)
				if err != nil {
					return err
				}
				return printSlot(cmd.OutOrStdout(), opts.Format, m, slot)
			})
		},
	}
	mealFlag(cmd, opts)
	return cmd
}

var transitionPast = map[model.TransitionAction]string{
	model.TransitionFinish: "done",
	model.TransitionCancel: "cancelled",
	model.TransitionReopen: "open again",
}
