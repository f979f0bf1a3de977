// Package schedule reconciles a day's three meal slots between the
// server-confirmed state, locally staged drafts and user actions.
package schedule

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/model"
)

// DayAPI is the backend surface the engine needs.
type DayAPI interface {
	GetDay(ctx context.Context, key model.DayKey) (model.DaySnapshot, error)
	SaveDay(ctx context.Context, cmd model.DayCommand) (model.DaySnapshot, error)
	TransitionMeal(ctx context.Context, mealID int64, action model.TransitionAction) (model.MealRecord, error)
}

// Engine holds the state of the active day. Mutations apply in call order and
// each one persists the day's draft before returning.
type Engine struct {
	api   DayAPI
	store kv.Store
	log   *zap.Logger
	now   func() time.Time

	mu       sync.Mutex
	key      model.DayKey
	gen      uint64
	loaded   bool
	slots    model.DaySlots
	baseline model.DaySlots
	saving   map[model.DayKey]bool

	// rev moves on every change of slots or baseline.
	rev uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time.Now for draft timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an engine persisting drafts in store.
func NewEngine(api DayAPI, store kv.Store, opts ...Option) *Engine {
	e := &Engine{
		api:    api,
		store:  store,
		log:    zap.NewNop(),
		now:    time.Now,
		saving: make(map[model.DayKey]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LoadDay fetches the server state of key, overlays any stored draft and makes
// the result the active state. The server state becomes the undo baseline.
// Loading another key switches to it without abandoning the current draft.
// Reloading is rejected while the day is being saved, and a reload that
// overlaps any other change of the day returns errs.ErrStaleContext.
func (e *Engine) LoadDay(ctx context.Context, key model.DayKey) (model.DaySlots, error) {
	e.mu.Lock()
	if key != e.key {
		_ = e.switchLocked(ctx, key, false)
	}
	if e.saving[key] {
		e.mu.Unlock()
		return nil, errs.ErrSaveInProgress
	}
	gen, rev := e.gen, e.rev
	e.mu.Unlock()

	snap, err := e.api.GetDay(ctx, key)
	if err != nil {
		return nil, &SyncError{Op: OpLoad, Key: key, Err: err}
	}
	draft := e.readDraft(ctx, key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.key != key || e.rev != rev || e.saving[key] {
		return nil, errs.ErrStaleContext
	}

	base := snap.Confirmed()
	slots, dropped := overlay(base, draft)
	e.baseline = base
	e.slots = slots
	e.loaded = true
	e.rev++
	if len(dropped) > 0 {
		e.log.Info("discarding draft for locked meals", zap.Stringer("day", key), zap.Any("slots", dropped))
	}
	if draft != nil {
		if err := e.persistLocked(ctx); err != nil {
			e.log.Warn("draft rewrite failed", zap.Stringer("day", key), zap.Error(err))
		}
	}
	return e.slots.Clone(), nil
}

// Mutate applies edit to the recipes of slot m. It is rejected when the meal
// is done or expired and while a save of the day is pending. The new state is
// kept even if persisting the draft fails; that error is returned.
func (e *Engine) Mutate(ctx context.Context, m model.MealType, edit Edit) (model.MealSlot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return model.MealSlot{}, errs.ErrNotLoaded
	}
	if !m.Valid() {
		return model.MealSlot{}, fmt.Errorf("meal type %q: %w", m, errs.ErrValidation)
	}
	cur := e.slots[m]
	if e.saving[e.key] {
		return cur.Clone(), errs.ErrSaveInProgress
	}
	if cur.Status.Locked() {
		return cur.Clone(), fmt.Errorf("%s is %s: %w", m, cur.Status, errs.ErrSlotLocked)
	}

	recipes, err := edit(slices.Clone(cur.Recipes))
	if err != nil {
		return cur.Clone(), err
	}
	if recipes == nil {
		recipes = []model.RecipeEntry{}
	}
	next := cur
	next.Recipes = recipes
	next = settle(next, e.baseline[m])
	e.slots[m] = next
	e.rev++

	if err := e.persistLocked(ctx); err != nil {
		return next.Clone(), fmt.Errorf("persist draft: %w", err)
	}
	return next.Clone(), nil
}

// Save sends the whole day as one command. On success the server-normalized
// state replaces the local one and the draft is removed. On failure nothing
// changes and a *SyncError is returned.
func (e *Engine) Save(ctx context.Context) (model.DaySlots, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return nil, errs.ErrNotLoaded
	}
	key, gen := e.key, e.gen
	if e.saving[key] {
		e.mu.Unlock()
		return nil, errs.ErrSaveInProgress
	}
	cmd := BuildCommand(key, e.slots)
	e.saving[key] = true
	e.mu.Unlock()

	snap, err := e.api.SaveDay(ctx, cmd)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.saving, key)
	if err != nil {
		e.log.Warn("day save failed", zap.Stringer("day", key), zap.String("kind", string(errs.KindOf(err))), zap.Error(err))
		return nil, &SyncError{Op: OpSave, Key: key, Err: err}
	}

	// the server holds these edits now, whatever the active day is
	if derr := e.store.Delete(context.WithoutCancel(ctx), key.DraftKey()); derr != nil {
		e.log.Warn("draft delete failed", zap.Stringer("day", key), zap.Error(derr))
	}
	if e.gen != gen || e.key != key {
		return nil, fmt.Errorf("saved %s: %w", key, errs.ErrStaleContext)
	}
	e.baseline = snap.Confirmed()
	e.slots = e.baseline.Clone()
	e.rev++
	e.log.Info("day saved", zap.Stringer("day", key))
	return e.slots.Clone(), nil
}

// Undo restores the server state of the last load and deletes the draft.
func (e *Engine) Undo(ctx context.Context) (model.DaySlots, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return nil, errs.ErrNotLoaded
	}
	if e.saving[e.key] {
		return nil, errs.ErrSaveInProgress
	}
	e.slots = e.baseline.Clone()
	e.rev++
	if err := e.store.Delete(ctx, e.key.DraftKey()); err != nil {
		return e.slots.Clone(), fmt.Errorf("delete draft: %w", err)
	}
	return e.slots.Clone(), nil
}

// Transition finishes, cancels or reopens the saved meal of slot m. Slots with
// unsaved edits or without a server meal are rejected.
func (e *Engine) Transition(ctx context.Context, m model.MealType, action model.TransitionAction) (model.MealSlot, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return model.MealSlot{}, errs.ErrNotLoaded
	}
	if !m.Valid() || !action.Valid() {
		e.mu.Unlock()
		return model.MealSlot{}, fmt.Errorf("%s %s: %w", action, m, errs.ErrValidation)
	}
	cur := e.slots[m]
	switch {
	case cur.Dirty:
		e.mu.Unlock()
		return cur.Clone(), errs.ErrSlotDirty
	case !cur.HasMeal():
		e.mu.Unlock()
		return cur.Clone(), errs.ErrNoMeal
	case e.saving[e.key]:
		e.mu.Unlock()
		return cur.Clone(), errs.ErrSaveInProgress
	}
	key, gen, mealID := e.key, e.gen, cur.MealID
	e.mu.Unlock()

	rec, err := e.api.TransitionMeal(ctx, mealID, action)
	if err != nil {
		e.log.Warn("meal transition failed", zap.Int64("meal_id", mealID), zap.String("action", string(action)), zap.Error(err))
		return model.MealSlot{}, &SyncError{Op: OpTransition, Key: key, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.key != key {
		return model.MealSlot{}, errs.ErrStaleContext
	}
	apply := func(s model.MealSlot) model.MealSlot {
		if rec.MealID != 0 {
			s.MealID = rec.MealID
		}
		s.Status = rec.Status
		return s
	}
	e.baseline[m] = apply(e.baseline[m])
	e.slots[m] = apply(e.slots[m])
	e.rev++
	return e.slots[m].Clone(), nil
}

// SwitchContext makes next the active day and clears the in-memory state.
// When abandon is set the previous day's draft is deleted; next's own draft is
// never touched and is picked up by LoadDay.
func (e *Engine) SwitchContext(ctx context.Context, next model.DayKey, abandon bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.switchLocked(ctx, next, abandon)
}

func (e *Engine) switchLocked(ctx context.Context, next model.DayKey, abandon bool) error {
	prev := e.key
	e.key = next
	e.gen++
	e.rev++
	e.loaded = false
	e.slots = nil
	e.baseline = nil
	if abandon && !prev.IsZero() && prev != next {
		if err := e.store.Delete(ctx, prev.DraftKey()); err != nil {
			return fmt.Errorf("delete draft: %w", err)
		}
	}
	return nil
}

// State returns the active day and a copy of its slots; slots are nil until loaded.
func (e *Engine) State() (model.DayKey, model.DaySlots) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key, e.slots.Clone()
}

// HasUnsavedChanges reports whether any slot of the active day is dirty.
func (e *Engine) HasUnsavedChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots.AnyDirty()
}

// isSaving reports whether a save of key is pending.
func (e *Engine) isSaving(key model.DayKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saving[key]
}

func (e *Engine) persistLocked(ctx context.Context) error {
	d := BuildDraft(e.key, e.slots, e.now())
	if d == nil {
		return e.store.Delete(ctx, e.key.DraftKey())
	}
	return kv.SetJSON(ctx, e.store, e.key.DraftKey(), d)
}

// readDraft returns the stored draft of key; unreadable drafts count as absent.
func (e *Engine) readDraft(ctx context.Context, key model.DayKey) *model.DraftPayload {
	var d model.DraftPayload
	err := kv.GetJSON(ctx, e.store, key.DraftKey(), &d)
	switch {
	case kv.IsNotFound(err):
		return nil
	case err != nil:
		e.log.Warn("ignoring unreadable draft", zap.Stringer("day", key), zap.Error(err))
		return nil
	case d.Key() != key:
		e.log.Warn("ignoring draft for another day", zap.Stringer("day", key), zap.Stringer("draft", d.Key()))
		return nil
	}
	return &d
}
