package opshttp

import (
	"context"
	"net/http"
	"time"

	"github.com/tempohq/tempo/internal/apiroute"
	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/ratelimit"
	"github.com/tempohq/tempo/internal/respcache"
	"github.com/tempohq/tempo/internal/xerrors"
)

const (
	defaultBlock = time.Hour
	maxBlock     = 24 * time.Hour
)

type QuotaAdmin interface {
	Status(ctx context.Context, operation, subject string) (ratelimit.Status, error)
	Block(ctx context.Context, operation, subject string, d time.Duration) error
	Clear(ctx context.Context, operation, subject string) error
}

type CacheAdmin interface {
	Stats() respcache.Stats
	RemoteStats(ctx context.Context) (respcache.Stats, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

type StreamAdmin interface {
	Counts() map[string]int
	Total() int
	Sweep(ctx context.Context) int
}

// Admin serves the operator endpoints. Nil members disable their routes.
type Admin struct {
	Limiter QuotaAdmin
	Cache   CacheAdmin
	Streams StreamAdmin
}

func (a *Admin) register(mux *http.ServeMux) {
	if a.Limiter != nil {
		mux.HandleFunc("GET /admin/ratelimit/{operation}/{subject}", a.quotaStatus)
		mux.HandleFunc("POST /admin/ratelimit/{operation}/{subject}", a.quotaBlock)
		mux.HandleFunc("DELETE /admin/ratelimit/{operation}/{subject}", a.quotaClear)
	}
	if a.Cache != nil {
		mux.HandleFunc("GET /admin/cache/stats", a.cacheStats)
		mux.HandleFunc("DELETE /admin/cache", a.cachePurge)
	}
	if a.Streams != nil {
		mux.HandleFunc("GET /admin/streams", a.streamCounts)
		mux.HandleFunc("POST /admin/streams/sweep", a.streamSweep)
	}
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	apiroute.WriteError(r.Context(), w, err, httpmw.RequestIDFromContext(r.Context()))
}

type quotaView struct {
	Operation string `json:"operation"`
	Subject   string `json:"subject"`
	Remaining int    `json:"remaining"`
	ResetAt   int64  `json:"resetAt"`
	Blocked   bool   `json:"blocked"`
	Degraded  bool   `json:"degraded"`
}

func (a *Admin) quotaStatus(w http.ResponseWriter, r *http.Request) {
	op, subject := r.PathValue("operation"), r.PathValue("subject")
	st, err := a.Limiter.Status(r.Context(), op, subject)
	if err != nil {
		fail(w, r, err)
		return
	}
	apiroute.WriteJSON(r.Context(), w, http.StatusOK, quotaView{
		Operation: op,
		Subject:   subject,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt.UnixMilli(),
		Blocked:   st.Blocked,
		Degraded:  st.Degraded,
	})
}

func (a *Admin) quotaBlock(w http.ResponseWriter, r *http.Request) {
	d := defaultBlock
	if raw := r.URL.Query().Get("duration"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxBlock {
			fail(w, r, xerrors.E(xerrors.KindValidation, "duration must be between 1s and 24h"))
			return
		}
		d = parsed
	}
	op, subject := r.PathValue("operation"), r.PathValue("subject")
	if err := a.Limiter.Block(r.Context(), op, subject, d); err != nil {
		if xerrors.KindOf(err) == xerrors.KindNotFound {
			fail(w, r, err)
			return
		}
		// the in-process block still holds on this instance
		apiroute.WriteJSON(r.Context(), w, http.StatusAccepted, map[string]any{"blocked": true, "persisted": false})
		return
	}
	apiroute.WriteJSON(r.Context(), w, http.StatusOK, map[string]any{"blocked": true, "persisted": true})
}

func (a *Admin) quotaClear(w http.ResponseWriter, r *http.Request) {
	if err := a.Limiter.Clear(r.Context(), r.PathValue("operation"), r.PathValue("subject")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheStatsView struct {
	Local  respcache.Stats  `json:"local"`
	Remote *respcache.Stats `json:"remote"`
}

func (a *Admin) cacheStats(w http.ResponseWriter, r *http.Request) {
	out := cacheStatsView{Local: a.Cache.Stats()}
	if remote, err := a.Cache.RemoteStats(r.Context()); err == nil {
		out.Remote = &remote
	}
	apiroute.WriteJSON(r.Context(), w, http.StatusOK, out)
}

func (a *Admin) cachePurge(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		fail(w, r, xerrors.E(xerrors.KindValidation, "pattern is required"))
		return
	}
	n, err := a.Cache.DeletePattern(r.Context(), pattern)
	if err != nil && n == 0 {
		fail(w, r, xerrors.EWrap(xerrors.KindUnavailable, err, "cache purge failed"))
		return
	}
	apiroute.WriteJSON(r.Context(), w, http.StatusOK, map[string]any{"deleted": n, "complete": err == nil})
}

func (a *Admin) streamCounts(w http.ResponseWriter, r *http.Request) {
	apiroute.WriteJSON(r.Context(), w, http.StatusOK, map[string]any{
		"total":    a.Streams.Total(),
		"subjects": a.Streams.Counts(),
	})
}

func (a *Admin) streamSweep(w http.ResponseWriter, r *http.Request) {
	apiroute.WriteJSON(r.Context(), w, http.StatusOK, map[string]int{"closed": a.Streams.Sweep(r.Context())})
}
