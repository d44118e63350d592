package pipeline

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/routelock/internal/httputil"
	"github.com/banshee-data/routelock/internal/navigation"
)

// AttachAdminRoutes exposes the navigation state and pipeline counters on the
// tsweb debug surface at /debug/.
func (r *Runner) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("navigation", "Current navigation state (JSON)", func(w http.ResponseWriter, req *http.Request) {
		httputil.OK(w, req, navigation.Describe(r.nav.State()))
	})
	debug.HandleFunc("pipeline", "Tracker, decoder and dispatch counters (JSON)", func(w http.ResponseWriter, req *http.Request) {
		httputil.OK(w, req, r.Stats())
	})
	debug.KVFunc("Tracker step", func() any { return r.tracker.Step() })
}
