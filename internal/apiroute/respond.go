package apiroute

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tempohq/tempo/internal/log"
	"github.com/tempohq/tempo/internal/ratelimit"
	"github.com/tempohq/tempo/internal/xerrors"
)

const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderCache      = "X-Cache"
)

type errorBody struct {
	Error         string  `json:"error"`
	Issues        []Issue `json:"issues,omitempty"`
	RetryAfter    int     `json:"retryAfter,omitempty"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

// WriteJSON writes v with status. Encoding failures after the header is
// sent can only be logged.
func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "encode response")
		status = http.StatusInternalServerError
		b = []byte(`{"error":"internal server error"}`)
	}
	writeRaw(w, status, b)
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if status != http.StatusNoContent && len(b) > 0 {
		_, _ = w.Write(b)
	}
}

// WriteError maps err to its status. Internal errors are logged in full
// and reach the client only as a generic message.
func WriteError(ctx context.Context, w http.ResponseWriter, err error, correlationID string) {
	kind := xerrors.KindOf(err)
	status := kind.Status()
	if kind == xerrors.KindInternal || kind == xerrors.KindUnavailable {
		log.FromContext(ctx).Error(ctx, err, "request failed", "kind", kind.String(), "http.response.status_code", status)
	}
	WriteJSON(ctx, w, status, errorBody{Error: xerrors.PublicMessage(err), CorrelationID: correlationID})
}

func writeIssues(ctx context.Context, w http.ResponseWriter, issues []Issue, correlationID string) {
	WriteJSON(ctx, w, http.StatusBadRequest, errorBody{
		Error:         "validation failed",
		Issues:        issues,
		CorrelationID: correlationID,
	})
}

func setQuotaHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set(HeaderRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(res.ResetAt.UnixMilli(), 10))
}

func writeLimited(ctx context.Context, w http.ResponseWriter, res ratelimit.Result, now time.Time, correlationID string) {
	retry := res.RetryAfter(now)
	h := w.Header()
	h.Set(HeaderRetryAfter, strconv.Itoa(retry))
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderReset, strconv.FormatInt(res.ResetAt.UnixMilli(), 10))
	WriteJSON(ctx, w, http.StatusTooManyRequests, errorBody{
		Error:         "rate limit exceeded",
		RetryAfter:    retry,
		CorrelationID: correlationID,
	})
}
