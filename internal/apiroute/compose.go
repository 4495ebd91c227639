package apiroute

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tempohq/tempo/internal/httpmw"
	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/ratelimit"
	"github.com/tempohq/tempo/internal/respcache"
	"github.com/tempohq/tempo/internal/xerrors"
)

// Authenticator resolves the subject of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// RateChecker answers quota checks. It never fails; store trouble is
// folded into the Result.
type RateChecker interface {
	Check(ctx context.Context, operation, subject string) ratelimit.Result
}

// Route describes the pipeline of one endpoint.
type Route struct {
	// Name tags logs.
	Name string

	Query  Schema
	Params Schema
	Body   Schema

	// RequireAuth rejects anonymous callers. Without it credentials are
	// still honored when present.
	RequireAuth bool

	// RateLimit is the operation charged per call; "" disables it.
	RateLimit string

	// Cache applies to GET and HEAD only.
	Cache *CachePolicy
}

type CachePolicy struct {
	TTL time.Duration
	// Key defaults to respcache.RequestKey of subject, path and query.
	Key func(req *Request) string
}

// Request is what a business handler sees.
type Request struct {
	HTTP          *http.Request
	Subject       string
	Authenticated bool
	CorrelationID string

	Query  any
	Params any
	Body   any

	Quota ratelimit.Result
}

// Response is a handler result. Body is encoded as JSON.
type Response struct {
	Status int
	Body   any
}

func OK(body any) Response      { return Response{Status: http.StatusOK, Body: body} }
func Created(body any) Response { return Response{Status: http.StatusCreated, Body: body} }
func NoContent() Response       { return Response{Status: http.StatusNoContent} }

type HandlerFunc func(ctx context.Context, req *Request) (Response, error)

// StreamFunc owns the response writer once the pipeline has admitted the
// request.
type StreamFunc func(w http.ResponseWriter, r *http.Request, req *Request) error

type Options struct {
	Auth    Authenticator
	Limiter RateChecker
	Cache   *respcache.Cache
	Now     func() time.Time
}

type Composer struct {
	auth    Authenticator
	limiter RateChecker
	cache   *respcache.Cache
	now     func() time.Time
}

func New(opts Options) *Composer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Composer{auth: opts.Auth, limiter: opts.Limiter, cache: opts.Cache, now: opts.Now}
}

// cachedResponse is what a cache entry holds for a route.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// uncacheable carries a non-2xx result out of the cache compute so it is
// served but not stored.
type uncacheable struct{ res cachedResponse }

func (uncacheable) Error() string { return "response not cacheable" }

// Compose returns the handler for route.
func (c *Composer) Compose(route Route, fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ctx, ok := c.admit(w, r, route)
		if !ok {
			return
		}

		if route.Cache != nil && c.cache != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			c.serveCached(ctx, w, route, req, fn)
			return
		}

		res, err := c.run(ctx, fn, req)
		if err != nil {
			WriteError(ctx, w, err, req.CorrelationID)
			return
		}
		c.finish(w, req)
		if res.Body == nil {
			writeRaw(w, res.Status, nil)
			return
		}
		WriteJSON(ctx, w, res.Status, res.Body)
	}
}

// ComposeStream runs validation, authentication and rate limiting, then
// hands the connection to fn.
func (c *Composer) ComposeStream(route Route, fn StreamFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ctx, ok := c.admit(w, r, route)
		if !ok {
			return
		}
		c.finish(w, req)
		if err := fn(w, r.WithContext(ctx), req); err != nil {
			WriteError(ctx, w, err, req.CorrelationID)
		}
	}
}

// admit runs steps up to and including rate limiting. It reports false
// when it has already written the response.
func (c *Composer) admit(w http.ResponseWriter, r *http.Request, route Route) (*Request, context.Context, bool) {
	ctx := r.Context()
	req := &Request{HTTP: r, CorrelationID: correlationID(r)}
	w.Header().Set(httpmw.CorrelationHeader, req.CorrelationID)

	logger := log.FromContext(ctx).With("correlation_id", req.CorrelationID)
	if route.Name != "" {
		logger = logger.With("route", route.Name)
	}
	ctx = log.WithContext(ctx, logger)

	if issues := c.validate(r, route, req); len(issues) > 0 {
		writeIssues(ctx, w, issues, req.CorrelationID)
		return nil, nil, false
	}

	if err := c.authenticate(ctx, r, route, req); err != nil {
		WriteError(ctx, w, err, req.CorrelationID)
		return nil, nil, false
	}
	ctx = log.WithContext(ctx, log.FromContext(ctx).With("subject", req.Subject))

	if route.RateLimit != "" && c.limiter != nil {
		req.Quota = c.limiter.Check(ctx, route.RateLimit, req.Subject)
		if !req.Quota.Allowed {
			writeLimited(ctx, w, req.Quota, c.now(), req.CorrelationID)
			return nil, nil, false
		}
	}

	req.HTTP = r.WithContext(ctx)
	return req, ctx, true
}

func (c *Composer) validate(r *http.Request, route Route, req *Request) []Issue {
	var all []Issue
	parts := []struct {
		schema Schema
		dst    *any
	}{
		{route.Params, &req.Params},
		{route.Query, &req.Query},
		{route.Body, &req.Body},
	}
	for _, p := range parts {
		if p.schema == nil {
			continue
		}
		v, issues := p.schema(r)
		if len(issues) > 0 {
			all = append(all, issues...)
			continue
		}
		*p.dst = v
	}
	return all
}

func (c *Composer) authenticate(ctx context.Context, r *http.Request, route Route, req *Request) error {
	hasCreds := r.Header.Get("Authorization") != ""
	if c.auth != nil && (route.RequireAuth || hasCreds) {
		sub, err := c.auth.Authenticate(r)
		switch {
		case err == nil:
			req.Subject, req.Authenticated = sub, true
			return nil
		case route.RequireAuth:
			if xerrors.KindOf(err) == xerrors.KindInternal {
				return xerrors.EWrap(xerrors.KindUnauthenticated, err, "unauthenticated")
			}
			return err
		default:
			log.FromContext(ctx).Debug(ctx, "ignoring invalid credentials on public route", "err", err)
		}
	} else if route.RequireAuth {
		return xerrors.E(xerrors.KindUnauthenticated, "unauthenticated")
	}
	req.Subject = originSubject(r)
	return nil
}

func (c *Composer) run(ctx context.Context, fn HandlerFunc, req *Request) (res Response, err error) {
	res, err = fn(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if res.Status == 0 {
		res.Status = http.StatusOK
	}
	return res, nil
}

func (c *Composer) serveCached(ctx context.Context, w http.ResponseWriter, route Route, req *Request, fn HandlerFunc) {
	key := cacheKey(route.Cache, req)
	entry, hit, err := respcache.Fetch(ctx, c.cache, key, route.Cache.TTL, func(ctx context.Context) (cachedResponse, error) {
		res, err := c.run(ctx, fn, req)
		if err != nil {
			return cachedResponse{}, err
		}
		out := cachedResponse{Status: res.Status}
		if res.Body != nil {
			if out.Body, err = json.Marshal(res.Body); err != nil {
				return cachedResponse{}, xerrors.Wrap(err, "encode response")
			}
		}
		if res.Status < 200 || res.Status > 299 {
			return cachedResponse{}, uncacheable{res: out}
		}
		return out, nil
	})

	var skip uncacheable
	switch {
	case errors.As(err, &skip):
		entry = skip.res
	case err != nil:
		WriteError(ctx, w, err, req.CorrelationID)
		return
	}

	if hit {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	c.finish(w, req)
	writeRaw(w, entry.Status, entry.Body)
}

func cacheKey(p *CachePolicy, req *Request) string {
	if p.Key != nil {
		return p.Key(req)
	}
	return respcache.RequestKey(req.Subject, req.HTTP.URL.Path, req.HTTP.URL.Query())
}

// finish attaches the quota headers of an admitted request.
func (c *Composer) finish(w http.ResponseWriter, req *Request) {
	if req.Quota.Allowed && req.Quota.Enforced() {
		setQuotaHeaders(w, req.Quota)
	}
}

// correlationID prefers the id RequestID already put on the context, then
// the inbound header, then a fresh uuid.
func correlationID(r *http.Request) string {
	if id := httpmw.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(httpmw.CorrelationHeader); id != "" && len(id) <= 128 {
		return id
	}
	return uuid.NewString()
}

// originSubject identifies an anonymous caller by network address.
func originSubject(r *http.Request) string {
	ip := httpmw.ClientIPFromContext(r.Context())
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	return "ip:" + ip
}
