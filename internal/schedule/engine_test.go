package schedule

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/model"
)

var (
	day1 = model.DayKey{GroupID: 3, Date: "2024-03-01"}
	day2 = model.DayKey{GroupID: 3, Date: "2024-03-02"}

	soup  = model.RecipeEntry{RecipeID: 1, RecipeName: "Soup", Servings: 2}
	salad = model.RecipeEntry{RecipeID: 2, RecipeName: "Salad", Servings: 1}
)

func newTestEngine(t *testing.T) (*Engine, *fakeAPI, *kv.Memory) {
	t.Helper()
	api := newFakeAPI()
	store := kv.NewMemory()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e := NewEngine(api, store, WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return at }))
	return e, api, store
}

func storedDraft(t *testing.T, s kv.Store, key model.DayKey) *model.DraftPayload {
	t.Helper()
	var d model.DraftPayload
	err := kv.GetJSON(context.Background(), s, key.DraftKey(), &d)
	if kv.IsNotFound(err) {
		return nil
	}
	require.NoError(t, err)
	return &d
}

func TestMutate_EmptySlotWithoutMealCollapsesToSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t)
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)

	s, err := e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)
	require.True(t, s.Dirty)
	require.Equal(t, model.ActionUpsert, s.PendingAction)
	d := storedDraft(t, store, day1)
	require.NotNil(t, d)
	require.Equal(t, []model.RecipeEntry{soup}, d.Slots[model.Lunch].Recipes)

	s, err = e.Mutate(ctx, model.Lunch, RemoveRecipe(soup.RecipeID))
	require.NoError(t, err)
	require.Equal(t, model.ActionSkip, s.PendingAction)
	require.False(t, e.HasUnsavedChanges())

	_, slots := e.State()
	require.Nil(t, BuildDraft(day1, slots, time.Now()))
	require.Nil(t, storedDraft(t, store, day1))
}

func TestMutate_ClearingSavedMealMarksDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.put(day1, model.Dinner, model.MealRecord{MealID: 10, Status: model.StatusCreated, Recipes: []model.RecipeEntry{salad}})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)

	s, err := e.Mutate(ctx, model.Dinner, ClearRecipes())
	require.NoError(t, err)
	require.True(t, s.Dirty)
	require.Equal(t, model.ActionDelete, s.PendingAction)

	d := storedDraft(t, store, day1)
	require.Equal(t, model.ActionDelete, d.Slots[model.Dinner].PendingAction)
	require.Len(t, d.Slots, 1)

	_, slots := e.State()
	cmd := BuildCommand(day1, slots)
	require.Equal(t, model.ActionDelete, cmd.Dinner.Action)
	require.Equal(t, model.ActionSkip, cmd.Breakfast.Action)
}

// Scenario A.
func TestMutate_LockedSlotRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.put(day1, model.Breakfast, model.MealRecord{MealID: 5, Status: model.StatusDone, Recipes: []model.RecipeEntry{salad}})
	loaded, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)

	_, err = e.Mutate(ctx, model.Breakfast, AddRecipe(soup))
	require.ErrorIs(t, err, errs.ErrSlotLocked)

	_, slots := e.State()
	require.Equal(t, loaded, slots)
	require.Nil(t, storedDraft(t, store, day1))
}

// Scenario B.
func TestDraftSurvivesDateSwitch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	require.NoError(t, e.SwitchContext(ctx, day2, false))
	key, slots := e.State()
	require.Equal(t, day2, key)
	require.Nil(t, slots)
	_, err = e.LoadDay(ctx, day2)
	require.NoError(t, err)
	require.False(t, e.HasUnsavedChanges())

	back, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	lunch := back[model.Lunch]
	require.True(t, lunch.Dirty)
	require.Equal(t, []model.RecipeEntry{soup}, lunch.Recipes)
	require.Equal(t, 2, lunch.Recipes[0].Servings)
	require.Equal(t, model.ActionUpsert, lunch.PendingAction)
}

// Scenario C.
func TestSave_AppliesServerState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.put(day1, model.Dinner, model.MealRecord{MealID: 10, Status: model.StatusCreated, Recipes: []model.RecipeEntry{salad}})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Dinner, ClearRecipes())
	require.NoError(t, err)

	saved, err := e.Save(ctx)
	require.NoError(t, err)

	cmds := api.commands()
	require.Len(t, cmds, 1)
	require.Equal(t, model.DayCommand{
		Date:      day1.Date,
		GroupID:   day1.GroupID,
		Breakfast: model.SlotCommand{Action: model.ActionSkip},
		Lunch:     model.SlotCommand{Action: model.ActionUpsert, RecipeList: []model.RecipeEntry{soup}},
		Dinner:    model.SlotCommand{Action: model.ActionDelete},
	}, cmds[0])

	for _, m := range model.MealTypes {
		require.False(t, saved[m].Dirty, m)
		require.Equal(t, model.ActionSkip, saved[m].PendingAction, m)
	}
	require.Equal(t, model.StatusCreated, saved[model.Lunch].Status)
	require.NotZero(t, saved[model.Lunch].MealID)
	require.False(t, saved[model.Dinner].HasMeal())
	require.Nil(t, storedDraft(t, store, day1))
	require.False(t, e.HasUnsavedChanges())
}

// Scenario D.
func TestSave_UnauthorizedKeepsEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	_, before := e.State()
	rawBefore, err := store.Get(ctx, day1.DraftKey())
	require.NoError(t, err)

	api.saveErr = fmt.Errorf("POST daily: %w", errs.ErrUnauthorized)
	_, err = e.Save(ctx)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	require.True(t, se.NeedsReauth())
	require.Equal(t, OpSave, se.Op)
	require.Equal(t, errs.KindUnauthorized, se.Kind())
	require.Equal(t, msgReauth, se.UserMessage())

	_, after := e.State()
	require.Equal(t, before, after)
	rawAfter, err := store.Get(ctx, day1.DraftKey())
	require.NoError(t, err)
	require.Equal(t, rawBefore, rawAfter)

	api.saveErr = errs.ErrNetwork
	_, err = e.Save(ctx)
	require.ErrorAs(t, err, &se)
	require.False(t, se.NeedsReauth())
	require.Equal(t, msgGeneric, se.UserMessage())
	require.True(t, e.HasUnsavedChanges())
}

func TestUndo_RestoresLoadedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.put(day1, model.Dinner, model.MealRecord{MealID: 10, Status: model.StatusCreated, Recipes: []model.RecipeEntry{salad}})
	loaded, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)

	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, SetServings(soup.RecipeID, 4))
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Dinner, RemoveRecipe(salad.RecipeID))
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Breakfast, AddRecipe(salad))
	require.NoError(t, err)
	require.NotNil(t, storedDraft(t, store, day1))

	restored, err := e.Undo(ctx)
	require.NoError(t, err)
	require.Equal(t, loaded, restored)
	_, slots := e.State()
	require.Equal(t, loaded, slots)
	require.Nil(t, storedDraft(t, store, day1))
}

func TestSave_SingleFlightPerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, _ := newTestEngine(t)
	api.entered = make(chan struct{})
	api.release = make(chan struct{})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Save(ctx)
		done <- err
	}()
	<-api.entered
	require.True(t, e.isSaving(day1))

	_, err = e.Save(ctx)
	require.ErrorIs(t, err, errs.ErrSaveInProgress)
	_, err = e.Mutate(ctx, model.Lunch, SetServings(soup.RecipeID, 3))
	require.ErrorIs(t, err, errs.ErrSaveInProgress)
	_, err = e.Undo(ctx)
	require.ErrorIs(t, err, errs.ErrSaveInProgress)

	close(api.release)
	require.NoError(t, <-done)
	require.Len(t, api.commands(), 1)
	require.False(t, e.isSaving(day1))
}

func TestSave_ResultIgnoredAfterContextSwitch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.entered = make(chan struct{})
	api.release = make(chan struct{})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Save(ctx)
		done <- err
	}()
	<-api.entered
	require.NoError(t, e.SwitchContext(ctx, day2, false))
	close(api.release)

	require.ErrorIs(t, <-done, errs.ErrStaleContext)
	key, slots := e.State()
	require.Equal(t, day2, key)
	require.Nil(t, slots)
	require.Nil(t, storedDraft(t, store, day1))
}

func TestTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, _ := newTestEngine(t)
	api.put(day1, model.Dinner, model.MealRecord{MealID: 10, Status: model.StatusCreated, Recipes: []model.RecipeEntry{salad}})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)

	_, err = e.Transition(ctx, model.Lunch, model.TransitionFinish)
	require.ErrorIs(t, err, errs.ErrNoMeal)

	_, err = e.Mutate(ctx, model.Dinner, AddRecipe(soup))
	require.NoError(t, err)
	_, err = e.Transition(ctx, model.Dinner, model.TransitionFinish)
	require.ErrorIs(t, err, errs.ErrSlotDirty)
	_, err = e.Undo(ctx)
	require.NoError(t, err)

	api.transErr = errs.ErrUnauthorized
	_, err = e.Transition(ctx, model.Dinner, model.TransitionFinish)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	require.True(t, se.NeedsReauth())
	_, slots := e.State()
	require.Equal(t, model.StatusCreated, slots[model.Dinner].Status)

	api.transErr = nil
	s, err := e.Transition(ctx, model.Dinner, model.TransitionFinish)
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, s.Status)
	require.Equal(t, int64(10), s.MealID)

	// done is locked for edits but can be reopened
	_, err = e.Mutate(ctx, model.Dinner, AddRecipe(soup))
	require.ErrorIs(t, err, errs.ErrSlotLocked)
	s, err = e.Transition(ctx, model.Dinner, model.TransitionReopen)
	require.NoError(t, err)
	require.Equal(t, model.StatusCreated, s.Status)

	// undo now restores the transitioned status, not the loaded one
	_, err = e.Mutate(ctx, model.Dinner, AddRecipe(soup))
	require.NoError(t, err)
	restored, err := e.Undo(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusCreated, restored[model.Dinner].Status)
	require.False(t, restored[model.Dinner].Dirty)
}

func TestSwitchContext_AbandonDeletesOnlyPreviousDraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t)

	_, err := e.LoadDay(ctx, day2)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Breakfast, AddRecipe(salad))
	require.NoError(t, err)

	_, err = e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	require.NoError(t, e.SwitchContext(ctx, day2, true))
	require.Nil(t, storedDraft(t, store, day1))
	require.NotNil(t, storedDraft(t, store, day2))

	slots, err := e.LoadDay(ctx, day2)
	require.NoError(t, err)
	require.True(t, slots[model.Breakfast].Dirty)
}

func TestLoadDay_DropsDraftForLockedMeal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.put(day1, model.Breakfast, model.MealRecord{MealID: 5, Status: model.StatusCreated})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Breakfast, AddRecipe(soup))
	require.NoError(t, err)

	// another client finishes the meal meanwhile
	api.put(day1, model.Breakfast, model.MealRecord{MealID: 5, Status: model.StatusDone})
	slots, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	require.False(t, slots[model.Breakfast].Dirty)
	require.Empty(t, slots[model.Breakfast].Recipes)
	require.Nil(t, storedDraft(t, store, day1))
}

func TestLoadDay_IgnoresCorruptDraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, store := newTestEngine(t)
	require.NoError(t, store.Set(ctx, day1.DraftKey(), []byte("{not json")))

	slots, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	require.False(t, slots.AnyDirty())
}

func TestMutate_PersistFailureKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &flakyStore{Store: kv.NewMemory()}
	e := NewEngine(newFakeAPI(), store, WithLogger(zaptest.NewLogger(t)))
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)

	store.broken = true
	s, err := e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.ErrorIs(t, err, errDisk)
	require.True(t, s.Dirty)
	require.True(t, e.HasUnsavedChanges())
}

func TestEngine_RejectsBeforeLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.ErrorIs(t, err, errs.ErrNotLoaded)
	_, err = e.Save(ctx)
	require.ErrorIs(t, err, errs.ErrNotLoaded)
	_, err = e.Undo(ctx)
	require.ErrorIs(t, err, errs.ErrNotLoaded)
	_, err = e.Transition(ctx, model.Lunch, model.TransitionCancel)
	require.ErrorIs(t, err, errs.ErrNotLoaded)
	require.True(t, errors.Is(err, errs.ErrNotLoaded))
}

func newGatedEngine(t *testing.T, key model.DayKey) (*Engine, *kv.Memory, *gatedStore) {
	t.Helper()
	mem := kv.NewMemory()
	gated := &gatedStore{Store: mem, key: key.DraftKey()}
	return NewEngine(newFakeAPI(), gated, WithLogger(zaptest.NewLogger(t))), mem, gated
}

func TestLoadDay_ReloadDoesNotOverwriteConcurrentEdit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, gated := newGatedEngine(t, day1)

	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	gated.arm()
	done := make(chan error, 1)
	go func() {
		_, err := e.LoadDay(ctx, day1)
		done <- err
	}()
	<-gated.entered

	_, err = e.Mutate(ctx, model.Dinner, AddRecipe(salad))
	require.NoError(t, err)
	close(gated.release)
	require.ErrorIs(t, <-done, errs.ErrStaleContext)

	_, slots := e.State()
	require.True(t, slots[model.Dinner].Dirty)
	require.Equal(t, []model.RecipeEntry{salad}, slots[model.Dinner].Recipes)
	require.Equal(t, []model.RecipeEntry{soup}, slots[model.Lunch].Recipes)
	d := storedDraft(t, mem, day1)
	require.NotNil(t, d)
	require.Contains(t, d.Slots, model.Dinner)
	require.Contains(t, d.Slots, model.Lunch)
}

func TestLoadDay_RejectedWhileSaving(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, api, store := newTestEngine(t)
	api.entered = make(chan struct{})
	api.release = make(chan struct{})
	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Save(ctx)
		done <- err
	}()
	<-api.entered

	_, err = e.LoadDay(ctx, day1)
	require.ErrorIs(t, err, errs.ErrSaveInProgress)

	close(api.release)
	require.NoError(t, <-done)
	_, slots := e.State()
	require.Equal(t, int64(101), slots[model.Lunch].MealID)
	require.False(t, slots[model.Lunch].Dirty)
	require.Nil(t, storedDraft(t, store, day1))
}

func TestLoadDay_StaleAfterOverlappingSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, gated := newGatedEngine(t, day1)

	_, err := e.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = e.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	// this reload fetches the day before the save and reads the draft after it
	gated.arm()
	done := make(chan error, 1)
	go func() {
		_, err := e.LoadDay(ctx, day1)
		done <- err
	}()
	<-gated.entered

	saved, err := e.Save(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(101), saved[model.Lunch].MealID)
	close(gated.release)
	require.ErrorIs(t, <-done, errs.ErrStaleContext)

	_, slots := e.State()
	lunch := slots[model.Lunch]
	require.Equal(t, int64(101), lunch.MealID)
	require.Equal(t, model.StatusCreated, lunch.Status)
	require.Equal(t, []model.RecipeEntry{soup}, lunch.Recipes)
	require.False(t, lunch.Dirty)
	require.False(t, e.HasUnsavedChanges())
	require.Nil(t, storedDraft(t, mem, day1))
}

func TestUndo_AfterRestoredDraftReturnsServerState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	first, api, store := newTestEngine(t)
	api.put(day1, model.Dinner, model.MealRecord{MealID: 10, Status: model.StatusCreated, Recipes: []model.RecipeEntry{salad}})
	server, err := first.LoadDay(ctx, day1)
	require.NoError(t, err)
	_, err = first.Mutate(ctx, model.Lunch, AddRecipe(soup))
	require.NoError(t, err)

	// a second client instance picks the draft up from the shared store
	second := NewEngine(api, store, WithLogger(zaptest.NewLogger(t)))
	restored, err := second.LoadDay(ctx, day1)
	require.NoError(t, err)
	require.True(t, restored[model.Lunch].Dirty)
	require.Equal(t, []model.RecipeEntry{soup}, restored[model.Lunch].Recipes)

	undone, err := second.Undo(ctx)
	require.NoError(t, err)
	require.Equal(t, server, undone)
	require.Empty(t, undone[model.Lunch].Recipes)
	require.False(t, undone[model.Lunch].Dirty)
	require.False(t, second.HasUnsavedChanges())
	require.Nil(t, storedDraft(t, store, day1))
}
