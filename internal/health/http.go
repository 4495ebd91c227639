package health

import (
	"encoding/json"
	"net/http"
	"sort"
)

func probeHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}

// HealthzHandler answers 200 "ok" while p passes and 503 with the reason
// otherwise. A nil probe is healthy.
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok") }

// ReadyzHandler is HealthzHandler with a "ready" body.
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready") }

// Component is one named entry of a status report.
type Component struct {
	Name  string
	Probe Probe
	// Critical components make the report fail; the rest only degrade it.
	Critical bool
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type report struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
}

// StatusHandler runs every component and reports each one. The response is
// 503 "fail" when a critical component fails, 200 "degraded" when only
// non-critical ones do, and 200 "ok" otherwise.
func StatusHandler(components ...Component) http.HandlerFunc {
	sorted := append([]Component(nil), components...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return func(w http.ResponseWriter, r *http.Request) {
		out := report{Status: "ok", Components: make(map[string]componentStatus, len(sorted))}
		code := http.StatusOK
		for _, c := range sorted {
			st := componentStatus{Status: "ok"}
			if c.Probe != nil {
				if err := c.Probe.Check(r.Context()); err != nil {
					st = componentStatus{Status: "fail", Error: err.Error()}
					if c.Critical {
						out.Status, code = "fail", http.StatusServiceUnavailable
					} else if out.Status == "ok" {
						out.Status = "degraded"
					}
				}
			}
			out.Components[c.Name] = st
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(out)
	}
}
