package opshttp

import (
	"net/http"

	"github.com/tempohq/tempo/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Status lists the dependencies reported on /-/status.
	Status []health.Component
	// Admin, when set, serves the operator endpoints under /admin/.
	Admin        *Admin
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged
}
