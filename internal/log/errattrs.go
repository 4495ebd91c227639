package log

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type stacker interface{ StackPCs() []uintptr }

type pcer interface{ PC() uintptr }

// errorAttrs flattens err into key/value pairs: the error itself, its
// outermost meaningful type, the root type, the message chain and
// optionally the wrap sites.
func errorAttrs(err error, links int) []any {
	kv := []any{
		"err", err,
		"error_type", surfaceType(err),
		"cause_type", fmt.Sprintf("%T", rootCause(err)),
	}
	if chain := messageChain(err); len(chain) > 1 {
		kv = append(kv, "error_chain", chain)
	}
	if links > 0 {
		kv = append(kv, "error_links", wrapSites(err, links))
	}
	return kv
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// surfaceType skips xerrors and fmt wrappers.
func surfaceType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		name := fmt.Sprintf("%T", e)
		if strings.HasPrefix(name, "*xerrors.") || name == "*fmt.wrapError" {
			continue
		}
		return name
	}
	return fmt.Sprintf("%T", err)
}

func messageChain(err error) []string {
	var out []string
	last := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); msg != last {
			out = append(out, msg)
			last = msg
		}
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
	}
	return out
}

func wrapSites(err error, max int) []string {
	var out []string
	for e := err; e != nil && len(out) < max; e = errors.Unwrap(e) {
		var pc uintptr
		switch v := e.(type) {
		case pcer:
			pc = v.PC()
		case stacker:
			if pcs := v.StackPCs(); len(pcs) > 0 {
				pc = pcs[0]
			}
		}
		if pc == 0 {
			continue
		}
		fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
		out = append(out, fmt.Sprintf("%s %s:%d", fr.Function, fr.File, fr.Line))
	}
	return out
}

func callers(skip int) []uintptr {
	pcs := make([]uintptr, 48)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

// formatFrames renders pcs one frame per line, dropping runtime, slog and
// logger frames.
func formatFrames(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		switch {
		case strings.HasPrefix(fr.Function, "runtime."):
			return strings.TrimSpace(b.String())
		case strings.HasPrefix(fr.Function, "log/slog."),
			strings.Contains(fr.Function, "/internal/log."):
		default:
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			return strings.TrimSpace(b.String())
		}
	}
}
