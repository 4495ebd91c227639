// Package tasks holds the task model and its SQLite repository.
package tasks

import (
	"context"
	"time"

	"github.com/tempohq/tempo/internal/xerrors"
)

// Zones group tasks on the dashboard.
var Zones = []string{"home", "work", "health", "personal"}

const (
	MinPriority = 1
	MaxPriority = 5
)

var ErrNotFound = xerrors.E(xerrors.KindNotFound, "task not found")

type Task struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Zone      string     `json:"zone"`
	Priority  int        `json:"priority"`
	Done      bool       `json:"done"`
	DueAt     *time.Time `json:"dueAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type ListFilter struct {
	Zone        string
	IncludeDone bool
	Limit       int
}

// Patch changes the non-nil fields.
type Patch struct {
	Title    *string
	Notes    *string
	Zone     *string
	Priority *int
	Done     *bool
	DueAt    *time.Time
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Notes == nil && p.Zone == nil && p.Priority == nil && p.Done == nil && p.DueAt == nil
}

// Repository stores tasks per subject. A subject never sees another
// subject's tasks; foreign ids are reported as ErrNotFound.
type Repository interface {
	List(ctx context.Context, subject string, f ListFilter) ([]Task, error)
	Get(ctx context.Context, subject string, id int64) (Task, error)
	Create(ctx context.Context, subject string, t Task) (Task, error)
	Update(ctx context.Context, subject string, id int64, p Patch) (Task, error)
	Delete(ctx context.Context, subject string, id int64) error
	SetPriorities(ctx context.Context, subject string, prio map[int64]int) error
}
