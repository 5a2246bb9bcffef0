// Package subscriber provides access to users, groups and their filters.
package subscriber

import (
	"context"
	"errors"

	"pogobot/internal/model"
)

var ErrNotFound = errors.New("subscriber: not found")

type UserRepository interface {
	Find(ctx context.Context, telegramID int64) (model.User, error)
	Save(ctx context.Context, u model.User) error
	FindAll(ctx context.Context) ([]model.User, error)
}

type GroupRepository interface {
	Find(ctx context.Context, chatID int64) (model.Group, error)
	Save(ctx context.Context, g model.Group) error
	FindAll(ctx context.Context) ([]model.Group, error)
}

type FilterRepository interface {
	Find(ctx context.Context, id int64) (model.Filter, error)
	Save(ctx context.Context, f model.Filter) error
	FindAll(ctx context.Context) ([]model.Filter, error)
}

// Repositories bundles the three repositories of one backend.
type Repositories struct {
	Users   UserRepository
	Groups  GroupRepository
	Filters FilterRepository
}

// Import copies every filter, user and group of d into repos.
// Filters are written first so owners never reference a missing filter.
func Import(ctx context.Context, d *Document, repos Repositories) error {
	filters, users, groups, err := d.Resolve()
	if err != nil {
		return err
	}
	for _, f := range filters {
		if err := repos.Filters.Save(ctx, f); err != nil {
			return err
		}
	}
	for _, u := range users {
		if err := repos.Users.Save(ctx, u); err != nil {
			return err
		}
	}
	for _, g := range groups {
		if err := repos.Groups.Save(ctx, g); err != nil {
			return err
		}
	}
	return nil
}
