package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/tempohq/tempo/internal/log"
)

// Recover turns a handler panic into a 500 and an error record. onPanic,
// when set, is called after logging (metrics). http.ErrAbortHandler is
// re-raised so net/http can drop the connection quietly.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	logger = log.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				logger.Error(r.Context(), err, "handler panic",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"panic_stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
