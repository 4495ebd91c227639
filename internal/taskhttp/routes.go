// Package taskhttp serves the task API and the per-user event stream.
// Every handler is built with apiroute, so quota, cache and auth
// behaviour is uniform across endpoints.
package taskhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tempohq/tempo/internal/apiroute"
	"github.com/tempohq/tempo/internal/llm"
	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/ratelimit"
	"github.com/tempohq/tempo/internal/respcache"
	"github.com/tempohq/tempo/internal/stream"
	"github.com/tempohq/tempo/internal/tasks"
)

const (
	defaultListTTL      = 30 * time.Second
	defaultDashboardTTL = time.Minute
	listLimit           = 200
)

type Options struct {
	Composer    *apiroute.Composer
	Repo        tasks.Repository
	Cache       *respcache.Cache
	Streams     *stream.Registry
	Prioritizer llm.Prioritizer
	Logger      log.Logger

	ListTTL      time.Duration
	DashboardTTL time.Duration
	Now          func() time.Time
}

type Routes struct {
	c       *apiroute.Composer
	repo    tasks.Repository
	cache   *respcache.Cache
	streams *stream.Registry
	prio    llm.Prioritizer
	logger  log.Logger

	listTTL      time.Duration
	dashboardTTL time.Duration
	now          func() time.Time
}

func New(opts Options) *Routes {
	if opts.ListTTL <= 0 {
		opts.ListTTL = defaultListTTL
	}
	if opts.DashboardTTL <= 0 {
		opts.DashboardTTL = defaultDashboardTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prioritizer == nil {
		opts.Prioritizer = llm.Heuristic{Now: opts.Now}
	}
	return &Routes{
		c:            opts.Composer,
		repo:         opts.Repo,
		cache:        opts.Cache,
		streams:      opts.Streams,
		prio:         opts.Prioritizer,
		logger:       log.OrNop(opts.Logger).With("component", "taskhttp"),
		listTTL:      opts.ListTTL,
		dashboardTTL: opts.DashboardTTL,
		now:          opts.Now,
	}
}

func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", rt.c.Compose(apiroute.Route{
			Name:        "tasks.list",
			RequireAuth: true,
			Query:       listQuerySchema,
			RateLimit:   ratelimit.OpAPIRead,
			Cache: &apiroute.CachePolicy{TTL: rt.listTTL, Key: func(req *apiroute.Request) string {
				q := apiroute.As[listQuery](req.Query)
				return respcache.TaskListKey(req.Subject, q.Zone, q.IncludeDone)
			}},
		}, rt.list))

		r.Post("/tasks", rt.c.Compose(apiroute.Route{
			Name:        "tasks.create",
			RequireAuth: true,
			Body:        createSchema,
			RateLimit:   ratelimit.OpAPIWrite,
		}, rt.create))

		r.Post("/tasks/prioritize", rt.c.Compose(apiroute.Route{
			Name:        "tasks.prioritize",
			RequireAuth: true,
			Body:        prioritizeSchema,
			RateLimit:   ratelimit.OpAIPrioritize,
		}, rt.prioritize))

		r.Patch("/tasks/{id}", rt.c.Compose(apiroute.Route{
			Name:        "tasks.update",
			RequireAuth: true,
			Params:      idSchema,
			Body:        patchSchema,
			RateLimit:   ratelimit.OpAPIWrite,
		}, rt.update))

		r.Delete("/tasks/{id}", rt.c.Compose(apiroute.Route{
			Name:        "tasks.delete",
			RequireAuth: true,
			Params:      idSchema,
			RateLimit:   ratelimit.OpAPIWrite,
		}, rt.delete))

		r.Get("/zones/{zone}/dashboard", rt.c.Compose(apiroute.Route{
			Name:        "zones.dashboard",
			RequireAuth: true,
			Params:      zoneSchema,
			RateLimit:   ratelimit.OpAPIRead,
			Cache: &apiroute.CachePolicy{TTL: rt.dashboardTTL, Key: func(req *apiroute.Request) string {
				return respcache.ZoneDashboardKey(req.Subject, apiroute.As[string](req.Params))
			}},
		}, rt.dashboard))

		r.Get("/events", rt.c.ComposeStream(apiroute.Route{
			Name:        "events.stream",
			RequireAuth: true,
			RateLimit:   ratelimit.OpStreamOpen,
		}, rt.events))

		r.Get("/events/count", rt.c.Compose(apiroute.Route{
			Name:        "events.count",
			RequireAuth: true,
			RateLimit:   ratelimit.OpAPIRead,
		}, rt.eventCount))
	})
}

// changed drops the subject's cached reads and tells its open streams.
// Both are best effort: the write has already succeeded.
func (rt *Routes) changed(ctx context.Context, subject, event string, data any) {
	if rt.cache != nil {
		if _, err := rt.cache.DeletePattern(ctx, respcache.SubjectPattern(subject)); err != nil {
			log.FromContext(ctx).Warn(ctx, "cache invalidation incomplete", "err", err)
		}
	}
	if rt.streams != nil {
		if _, err := rt.streams.Broadcast(ctx, subject, stream.Event{Type: event, Data: data}); err != nil {
			log.FromContext(ctx).Warn(ctx, "broadcast failed", "event", event, "err", err)
		}
	}
}

func (rt *Routes) list(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	q := apiroute.As[listQuery](req.Query)
	list, err := rt.repo.List(ctx, req.Subject, tasks.ListFilter{Zone: q.Zone, IncludeDone: q.IncludeDone, Limit: listLimit})
	if err != nil {
		return apiroute.Response{}, err
	}
	return apiroute.OK(map[string]any{"tasks": list}), nil
}

func (rt *Routes) create(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	in := apiroute.As[*createInput](req.Body)
	t, err := rt.repo.Create(ctx, req.Subject, in.task())
	if err != nil {
		return apiroute.Response{}, err
	}
	rt.changed(ctx, req.Subject, "task.created", t)
	return apiroute.Created(t), nil
}

func (rt *Routes) update(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	id := apiroute.As[int64](req.Params)
	in := apiroute.As[*patchInput](req.Body)
	t, err := rt.repo.Update(ctx, req.Subject, id, in.patch())
	if err != nil {
		return apiroute.Response{}, err
	}
	rt.changed(ctx, req.Subject, "task.updated", t)
	return apiroute.OK(t), nil
}

func (rt *Routes) delete(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	id := apiroute.As[int64](req.Params)
	if err := rt.repo.Delete(ctx, req.Subject, id); err != nil {
		return apiroute.Response{}, err
	}
	rt.changed(ctx, req.Subject, "task.deleted", map[string]int64{"id": id})
	return apiroute.NoContent(), nil
}

type dashboard struct {
	Zone    string       `json:"zone"`
	Open    int          `json:"open"`
	Done    int          `json:"done"`
	Overdue int          `json:"overdue"`
	Top     []tasks.Task `json:"top"`
}

func (rt *Routes) dashboard(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	zone := apiroute.As[string](req.Params)
	all, err := rt.repo.List(ctx, req.Subject, tasks.ListFilter{Zone: zone, IncludeDone: true})
	if err != nil {
		return apiroute.Response{}, err
	}
	now := rt.now()
	d := dashboard{Zone: zone, Top: []tasks.Task{}}
	for _, t := range all {
		if t.Done {
			d.Done++
			continue
		}
		d.Open++
		if t.DueAt != nil && t.DueAt.Before(now) {
			d.Overdue++
		}
		if len(d.Top) < 3 {
			d.Top = append(d.Top, t)
		}
	}
	return apiroute.OK(d), nil
}

func (rt *Routes) prioritize(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	in := apiroute.As[*prioritizeInput](req.Body)
	open, err := rt.repo.List(ctx, req.Subject, tasks.ListFilter{Zone: in.Zone, Limit: listLimit})
	if err != nil {
		return apiroute.Response{}, err
	}
	suggestions, err := rt.prio.Prioritize(ctx, open)
	if err != nil {
		return apiroute.Response{}, err
	}
	if in.Apply && len(suggestions) > 0 {
		prio := make(map[int64]int, len(suggestions))
		for _, s := range suggestions {
			prio[s.ID] = s.Priority
		}
		if err := rt.repo.SetPriorities(ctx, req.Subject, prio); err != nil {
			return apiroute.Response{}, err
		}
		rt.changed(ctx, req.Subject, "task.prioritized", suggestions)
	}
	return apiroute.OK(map[string]any{"suggestions": suggestions, "applied": in.Apply}), nil
}

func (rt *Routes) events(w http.ResponseWriter, r *http.Request, req *apiroute.Request) error {
	return rt.streams.ServeSSE(w, r, req.Subject)
}

type streamCount struct {
	Local  int    `json:"local"`
	Remote *int64 `json:"remote"`
}

func (rt *Routes) eventCount(ctx context.Context, req *apiroute.Request) (apiroute.Response, error) {
	out := streamCount{Local: rt.streams.Count(req.Subject)}
	n, err := rt.streams.RemoteCount(ctx, req.Subject)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "remote stream count unavailable", "err", err)
	} else {
		out.Remote = &n
	}
	return apiroute.OK(out), nil
}
