package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Identity headers injected for API handlers behind the gatekeeper.
// Client-supplied values are always discarded.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserRole  = "X-User-Role"
	HeaderUserEmail = "X-User-Email"
)

// Outcome is the terminal state of a gatekeeper decision.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeRedirectLogin
	OutcomeRedirectOwned
	OutcomeUnauthorized
	OutcomeForbidden
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeRedirectLogin:
		return "redirect_login"
	case OutcomeRedirectOwned:
		return "redirect_owned"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is what the gatekeeper does with one request.
type Decision struct {
	Outcome     Outcome
	Location    string
	ClearCookie bool
	// Claims is set when the request carried a verified token.
	Claims *Claims
	// Reason is for logs only and never reaches the client.
	Reason string
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims verified by the gatekeeper.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(Claims)
	return claims, ok
}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Gatekeeper runs before every handler and enforces the route policy using
// only the signed token. It never touches the user store.
type Gatekeeper struct {
	codec   *Codec
	cookies Cookies
	logger  *zap.Logger
}

func NewGatekeeper(codec *Codec, cookies Cookies, logger *zap.Logger) *Gatekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gatekeeper{codec: codec, cookies: cookies, logger: logger}
}

// Decide evaluates the route policy for path. token is empty when the
// request carried no session cookie.
func (g *Gatekeeper) Decide(path, token string) Decision {
	api := IsAPIPath(path)

	if IsAuthPage(path) {
		if token == "" {
			return Decision{Outcome: OutcomeAllow, Reason: "auth page"}
		}
		claims, err := g.codec.Parse(token)
		if err != nil {
			return Decision{Outcome: OutcomeAllow, ClearCookie: true, Reason: "auth page with invalid token"}
		}
		owned, ok := OwnedPrefix(claims.Role)
		if !ok {
			return Decision{Outcome: OutcomeAllow, ClearCookie: true, Reason: "auth page with unowned role"}
		}
		return Decision{Outcome: OutcomeRedirectOwned, Location: owned, Claims: &claims, Reason: "already signed in"}
	}

	if IsPublicPath(path) {
		return Decision{Outcome: OutcomeAllow, Reason: "public route"}
	}

	if token == "" {
		return denied(api, false, "missing token")
	}

	claims, err := g.codec.Parse(token)
	if err != nil {
		return denied(api, true, err.Error())
	}

	owned, ok := OwnedPrefix(claims.Role)
	if !ok {
		return Decision{Outcome: OutcomeRedirectLogin, Location: LoginPath, ClearCookie: true, Reason: "role owns no prefix"}
	}

	if owner, found := OwnerOf(path); found && owner != claims.Role {
		if api {
			return Decision{Outcome: OutcomeForbidden, Claims: &claims, Reason: "role does not own " + owner.String() + " api"}
		}
		return Decision{Outcome: OutcomeRedirectOwned, Location: owned, Claims: &claims, Reason: "role does not own " + owner.String() + " pages"}
	}

	return Decision{Outcome: OutcomeAllow, Claims: &claims}
}

func denied(api, clearCookie bool, reason string) Decision {
	if api {
		return Decision{Outcome: OutcomeUnauthorized, ClearCookie: clearCookie, Reason: reason}
	}
	return Decision{Outcome: OutcomeRedirectLogin, Location: LoginPath, ClearCookie: clearCookie, Reason: reason}
}

// Middleware applies Decide to every request.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderUserRole)
		r.Header.Del(HeaderUserEmail)

		path := r.URL.Path
		token, _ := TokenFromRequest(r)
		decision := g.Decide(path, token)

		if decision.ClearCookie {
			g.cookies.Clear(w)
		}
		if decision.Outcome != OutcomeAllow {
			g.logger.Debug("gatekeeper denied request",
				zap.String("path", path),
				zap.Stringer("outcome", decision.Outcome),
				zap.String("reason", decision.Reason),
			)
		}

		switch decision.Outcome {
		case OutcomeRedirectLogin, OutcomeRedirectOwned:
			http.Redirect(w, r, decision.Location, http.StatusTemporaryRedirect)
		case OutcomeUnauthorized:
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		case OutcomeForbidden:
			writeJSONError(w, http.StatusForbidden, "Forbidden")
		default:
			if decision.Claims != nil {
				claims := *decision.Claims
				if IsAPIPath(path) {
					r.Header.Set(HeaderUserID, claims.UserID)
					r.Header.Set(HeaderUserRole, claims.Role.String())
					r.Header.Set(HeaderUserEmail, claims.Email)
				}
				r = r.WithContext(WithClaims(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		}
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}
