package schedule

import (
	"context"
	"errors"
	"sync"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/model"
)

type fakeAPI struct {
	mu       sync.Mutex
	days     map[model.DayKey]model.DaySnapshot
	saved    []model.DayCommand
	saveErr  error
	transErr error
	nextID   int64

	// when set, SaveDay signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

var _ DayAPI = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{days: make(map[model.DayKey]model.DaySnapshot), nextID: 100}
}

func (f *fakeAPI) put(key model.DayKey, m model.MealType, rec model.MealRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.days[key]
	if snap == nil {
		snap = model.DaySnapshot{}
		f.days[key] = snap
	}
	snap[m] = model.PresentSlot(rec)
}

func (f *fakeAPI) GetDay(_ context.Context, key model.DayKey) (model.DaySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := model.DaySnapshot{}
	for m, s := range f.days[key] {
		out[m] = s
	}
	return out, nil
}

func (f *fakeAPI) SaveDay(_ context.Context, cmd model.DayCommand) (model.DaySnapshot, error) {
	f.mu.Lock()
	f.saved = append(f.saved, cmd)
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	key := model.DayKey{GroupID: cmd.GroupID, Date: cmd.Date}
	snap := f.days[key]
	if snap == nil {
		snap = model.DaySnapshot{}
		f.days[key] = snap
	}
	for _, m := range model.MealTypes {
		sc := cmd.Slot(m)
		cur, has := snap[m].Meal()
		switch sc.Action {
		case model.ActionUpsert:
			if !has {
				f.nextID++
				cur = model.MealRecord{MealID: f.nextID, Status: model.StatusCreated}
			}
			cur.Recipes = append([]model.RecipeEntry(nil), sc.RecipeList...)
			snap[m] = model.PresentSlot(cur)
		case model.ActionDelete:
			snap[m] = model.MissingSlot()
		}
	}
	out := model.DaySnapshot{}
	for m, s := range snap {
		out[m] = s
	}
	return out, nil
}

func (f *fakeAPI) TransitionMeal(_ context.Context, mealID int64, action model.TransitionAction) (model.MealRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transErr != nil {
		return model.MealRecord{}, f.transErr
	}
	status := map[model.TransitionAction]model.MealStatus{
		model.TransitionFinish: model.StatusDone,
		model.TransitionCancel: model.StatusCancelled,
		model.TransitionReopen: model.StatusCreated,
	}[action]
	for _, snap := range f.days {
		for m, s := range snap {
			rec, ok := s.Meal()
			if ok && rec.MealID == mealID {
				rec.Status = status
				snap[m] = model.PresentSlot(rec)
				return model.MealRecord{MealID: mealID, Status: status}, nil
			}
		}
	}
	return model.MealRecord{}, errs.ErrNotFound
}

func (f *fakeAPI) commands() []model.DayCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DayCommand(nil), f.saved...)
}

// flakyStore fails writes while broken is set.
type flakyStore struct {
	kv.Store
	broken bool
}

var errDisk = errors.New("disk full")

func (s *flakyStore) Set(ctx context.Context, key string, v []byte) error {
	if s.broken {
		return errDisk
	}
	return s.Store.Set(ctx, key, v)
}

// gatedStore blocks the next Get of key after arm until release is closed.
type gatedStore struct {
	kv.Store
	key string

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.entered = make(chan struct{})
	s.release = make(chan struct{})
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	hold := s.armed && key == s.key
	if hold {
		s.armed = false
	}
	entered, release := s.entered, s.release
	s.mu.Unlock()
	if hold {
		close(entered)
		<-release
	}
	return s.Store.Get(ctx, key)
}
