package respcache

import (
	"net/url"
	"strings"
)

// Keys are namespaced per subject so SubjectPattern invalidates all of a
// subject's entries at once.

func subjectPrefix(subject string) string { return "user:" + subject + ":" }

// RequestKey identifies a read request. Query parameters are encoded in
// key order, so parameter order on the wire does not matter.
func RequestKey(subject, path string, query url.Values) string {
	k := subjectPrefix(subject) + "req:" + path
	if q := query.Encode(); q != "" {
		k += "?" + q
	}
	return k
}

func TaskListKey(subject, zone string, includeDone bool) string {
	if zone == "" {
		zone = "all"
	}
	done := "open"
	if includeDone {
		done = "all"
	}
	return subjectPrefix(subject) + "tasks:" + zone + ":" + done
}

func ZoneDashboardKey(subject, zone string) string {
	return subjectPrefix(subject) + "zone:" + zone + ":dashboard"
}

// SubjectPattern matches every key above for subject.
func SubjectPattern(subject string) string {
	return escapeGlob(subjectPrefix(subject)) + "*"
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
