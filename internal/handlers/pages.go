package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/types"
)

// PageResponse is what the page routes return until a UI shell is mounted in
// front of the server. Role and email are empty on public pages.
type PageResponse struct {
	Page  string     `json:"page"`
	Role  types.Role `json:"role,omitempty"`
	Email string     `json:"email,omitempty"`
}

// PageRouter registers the page routes the gatekeeper decides on: the
// landing and login pages plus every owned dashboard subtree.
func PageRouter(r chi.Router) {
	r.Get("/", Page)
	r.Get(auth.LoginPath, Page)
	r.Get(auth.RegisterPath, Page)
	for _, role := range types.Roles() {
		prefix, ok := auth.OwnedPrefix(role)
		if !ok {
			continue
		}
		r.Get(prefix, Page)
		r.Get(prefix+"/*", Page)
	}
}

// Page echoes the requested page and, behind the gatekeeper, the verified
// session it was rendered for.
func Page(w http.ResponseWriter, r *http.Request) {
	resp := PageResponse{Page: r.URL.Path}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		resp.Role = claims.Role
		resp.Email = claims.Email
	}
	writeJSON(w, http.StatusOK, resp)
}
