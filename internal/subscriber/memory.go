package subscriber

import (
	"context"
	"sort"
	"sync"

	"pogobot/internal/model"
)

// NewMemory returns empty in-memory repositories.
func NewMemory() Repositories {
	return Repositories{
		Users:   &memUsers{m: map[int64]model.User{}},
		Groups:  &memGroups{m: map[int64]model.Group{}},
		Filters: &memFilters{m: map[int64]model.Filter{}},
	}
}

type memUsers struct {
	mu sync.RWMutex
	m  map[int64]model.User
}

func (r *memUsers) Find(_ context.Context, id int64) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.m[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (r *memUsers) Save(_ context.Context, u model.User) error {
	r.mu.Lock()
	r.m[u.TelegramID] = u
	r.mu.Unlock()
	return nil
}

func (r *memUsers) FindAll(_ context.Context) ([]model.User, error) {
	r.mu.RLock()
	out := make([]model.User, 0, len(r.m))
	for _, u := range r.m {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramID < out[j].TelegramID })
	return out, nil
}

type memGroups struct {
	mu sync.RWMutex
	m  map[int64]model.Group
}

func (r *memGroups) Find(_ context.Context, chatID int64) (model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.m[chatID]
	if !ok {
		return model.Group{}, ErrNotFound
	}
	return g, nil
}

func (r *memGroups) Save(_ context.Context, g model.Group) error {
	r.mu.Lock()
	r.m[g.ChatID] = g
	r.mu.Unlock()
	return nil
}

func (r *memGroups) FindAll(_ context.Context) ([]model.Group, error) {
	r.mu.RLock()
	out := make([]model.Group, 0, len(r.m))
	for _, g := range r.m {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

type memFilters struct {
	mu sync.RWMutex
	m  map[int64]model.Filter
}

func (r *memFilters) Find(_ context.Context, id int64) (model.Filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[id]
	if !ok {
		return model.Filter{}, ErrNotFound
	}
	return f, nil
}

func (r *memFilters) Save(_ context.Context, f model.Filter) error {
	r.mu.Lock()
	r.m[f.ID] = f
	r.mu.Unlock()
	return nil
}

func (r *memFilters) FindAll(_ context.Context) ([]model.Filter, error) {
	r.mu.RLock()
	out := make([]model.Filter, 0, len(r.m))
	for _, f := range r.m {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
