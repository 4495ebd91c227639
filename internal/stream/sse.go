package stream

import (
	"errors"
	"io"
	"net/http"
	"time"
)

var keepaliveFrame = []byte(": ping\n\n")

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// ServeSSE opens a connection for subject and writes its frames to w until
// the client goes away, a write fails or the registry drops the
// connection. The server's write deadline is lifted for the stream.
func (r *Registry) ServeSSE(w http.ResponseWriter, req *http.Request, subject string) error {
	ctx := req.Context()
	c, err := r.Open(ctx, subject)
	if err != nil {
		return err
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		r.logger.Warn(ctx, "could not clear write deadline for stream", "err", err)
	}

	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		r.Remove(ctx, c, ReasonWriteError)
		return err
	}

	keepalive := time.NewTicker(r.opts.Keepalive)
	defer keepalive.Stop()

	for {
		var out []byte
		select {
		case <-ctx.Done():
			r.Remove(ctx, c, ReasonClientGone)
			return nil
		case <-c.Done():
			return nil
		case out = <-c.Frames():
		case <-keepalive.C:
			out = keepaliveFrame
		}
		if err := writeFrame(w, rc, out); err != nil {
			r.Remove(ctx, c, ReasonWriteError)
			r.logger.Debug(ctx, "stream write failed", "subject", subject, "conn_id", c.ID(), "err", err)
			return nil
		}
	}
}

func writeFrame(w io.Writer, rc *http.ResponseController, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	return rc.Flush()
}
