package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/types"
)

// DashboardResponse is the landing payload of a role's dashboard API.
type DashboardResponse struct {
	Dashboard string     `json:"dashboard"`
	User      types.User `json:"user"`
}

// DashboardRouter mounts one guarded summary endpoint per role under its
// owned API prefix. The dashboards themselves hang off these subtrees.
func DashboardRouter(r chi.Router, guard *auth.Guard) {
	for _, role := range types.Roles() {
		prefix, ok := auth.OwnedPrefix(role)
		if !ok {
			continue
		}
		dashboard := prefix
		r.Get(prefix+"/dashboard", guard.RequireRole(role)(func(w http.ResponseWriter, r *http.Request, user types.User) {
			writeJSON(w, http.StatusOK, DashboardResponse{Dashboard: dashboard, User: user})
		}))
	}
}
