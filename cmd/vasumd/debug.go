package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vasum/vasum/internal/zones"
)

// zoneStatus is the JSON shape returned by GET /1.0/zones.
type zoneStatus struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Active bool   `json:"active"`
}

// newDebugServer builds the one mux-routed debug endpoint, listening on
// addr (loopback by default; addr is not checked to be loopback) (spec.md §6's "read-only debug/status endpoint"), reporting
// each zone's id and lifecycle state.
func newDebugServer(addr string, mgr *zones.Manager) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/1.0/zones", func(w http.ResponseWriter, req *http.Request) {
		active := mgr.Active()

		var out []zoneStatus
		for _, id := range mgr.List() {
			z := mgr.Get(id)
			if z == nil {
				continue
			}
			out = append(out, zoneStatus{
				ID:     id,
				State:  z.State().String(),
				Active: id == active,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
