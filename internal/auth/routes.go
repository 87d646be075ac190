package auth

import (
	"strings"

	"github.com/washline/apiserver/types"
)

const (
	LoginPath    = "/login"
	RegisterPath = "/register"
	apiPrefix    = "/api"
)

// Route classes. The tables are fixed at compile time.
var (
	publicExactRoutes = []string{"/"}

	publicRoutes = []string{
		LoginPath,
		RegisterPath,
		"/forgot-password",
		"/static",
		"/favicon.ico",
	}

	publicAPIRoutes = []string{
		"/api/auth/login",
		"/api/auth/logout",
		"/api/health",
	}

	authPages = []string{LoginPath, RegisterPath}

	ownedPrefixes = map[types.Role]string{
		types.RoleSuperAdmin: "/super-admin",
		types.RoleAdmin:      "/admin",
		types.RoleSalesman:   "/sales",
	}
)

// hasPathPrefix matches prefix as a whole path segment: "/admin" matches
// "/admin" and "/admin/sites" but not "/administrator".
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if hasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsAPIPath reports whether path is served by the JSON API.
func IsAPIPath(path string) bool {
	return hasPathPrefix(path, apiPrefix)
}

// IsPublicPath reports whether path may be reached without a session.
func IsPublicPath(path string) bool {
	for _, exact := range publicExactRoutes {
		if path == exact {
			return true
		}
	}
	return matchesAny(path, publicRoutes) || matchesAny(path, publicAPIRoutes)
}

// IsAuthPage reports whether path is the login or registration page.
func IsAuthPage(path string) bool {
	return matchesAny(path, authPages)
}

// OwnedPrefix returns the dashboard root owned by role.
func OwnedPrefix(role types.Role) (string, bool) {
	prefix, ok := ownedPrefixes[role]
	return prefix, ok
}

// OwnerOf returns the role owning path, covering both the dashboard pages
// and the matching /api subtree.
func OwnerOf(path string) (types.Role, bool) {
	for role, prefix := range ownedPrefixes {
		if hasPathPrefix(path, prefix) || hasPathPrefix(path, apiPrefix+prefix) {
			return role, true
		}
	}
	return 0, false
}
