package taskhttp

import (
	"strings"
	"time"

	"github.com/tempohq/tempo/internal/apiroute"
	"github.com/tempohq/tempo/internal/tasks"
)

const (
	maxTitle = 200
	maxNotes = 2000
)

type listQuery struct {
	Zone        string
	IncludeDone bool
}

var listQuerySchema = apiroute.QuerySchema(func(q apiroute.QueryValues, is *apiroute.Issues) listQuery {
	zone := q.Get("zone")
	is.OneOf("zone", zone, tasks.Zones...)
	return listQuery{Zone: zone, IncludeDone: is.Bool("done", q.Get("done"))}
})

var idSchema = apiroute.ParamsSchema(func(p apiroute.PathParams, is *apiroute.Issues) int64 {
	return int64(is.Int("id", p.Get("id"), 0, 1, 1<<31-1))
})

var zoneSchema = apiroute.ParamsSchema(func(p apiroute.PathParams, is *apiroute.Issues) string {
	zone := p.Get("zone")
	if is.Required("zone", zone) {
		is.OneOf("zone", zone, tasks.Zones...)
	}
	return zone
})

type createInput struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes"`
	Zone     string     `json:"zone"`
	Priority *int       `json:"priority"`
	DueAt    *time.Time `json:"dueAt"`
}

func (in *createInput) task() tasks.Task {
	p := 3
	if in.Priority != nil {
		p = *in.Priority
	}
	return tasks.Task{Title: strings.TrimSpace(in.Title), Notes: in.Notes, Zone: in.Zone, Priority: p, DueAt: in.DueAt}
}

func checkPriority(is *apiroute.Issues, p *int) {
	if p != nil && (*p < tasks.MinPriority || *p > tasks.MaxPriority) {
		is.Add("priority", "must be between 1 and 5")
	}
}

var createSchema = apiroute.JSONBody(func(in *createInput, is *apiroute.Issues) {
	is.Required("title", in.Title)
	is.MaxLen("title", in.Title, maxTitle)
	is.MaxLen("notes", in.Notes, maxNotes)
	if is.Required("zone", in.Zone) {
		is.OneOf("zone", in.Zone, tasks.Zones...)
	}
	checkPriority(is, in.Priority)
})

type patchInput struct {
	Title    *string    `json:"title"`
	Notes    *string    `json:"notes"`
	Zone     *string    `json:"zone"`
	Priority *int       `json:"priority"`
	Done     *bool      `json:"done"`
	DueAt    *time.Time `json:"dueAt"`
}

func (in *patchInput) patch() tasks.Patch {
	p := tasks.Patch{Notes: in.Notes, Zone: in.Zone, Priority: in.Priority, Done: in.Done, DueAt: in.DueAt}
	if in.Title != nil {
		t := strings.TrimSpace(*in.Title)
		p.Title = &t
	}
	return p
}

var patchSchema = apiroute.JSONBody(func(in *patchInput, is *apiroute.Issues) {
	if in.Title != nil {
		is.Required("title", *in.Title)
		is.MaxLen("title", *in.Title, maxTitle)
	}
	if in.Notes != nil {
		is.MaxLen("notes", *in.Notes, maxNotes)
	}
	if in.Zone != nil && is.Required("zone", *in.Zone) {
		is.OneOf("zone", *in.Zone, tasks.Zones...)
	}
	checkPriority(is, in.Priority)
})

type prioritizeInput struct {
	Zone  string `json:"zone"`
	Apply bool   `json:"apply"`
}

var prioritizeSchema = apiroute.JSONBody(func(in *prioritizeInput, is *apiroute.Issues) {
	is.OneOf("zone", in.Zone, tasks.Zones...)
})
