package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/washline/apiserver/internal/audit"
	"github.com/washline/apiserver/internal/store"
	"github.com/washline/apiserver/types"
	"go.uber.org/zap"
)

// StoreTimeout bounds every user-store call made while authorizing a request.
const StoreTimeout = 5 * time.Second

var (
	// ErrUnauthenticated means the request does not carry a live identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRoleDrift means the token's role or email no longer matches the
	// stored account. It is a kind of ErrUnauthenticated.
	ErrRoleDrift = fmt.Errorf("%w: role drift", ErrUnauthenticated)

	// ErrStoreTimeout means the user store did not answer within StoreTimeout.
	ErrStoreTimeout = errors.New("user store timeout")
)

// IdentityStore is the read side of the user store used by the guard.
type IdentityStore interface {
	FindByID(ctx context.Context, id int) (types.User, error)
}

// EventRecorder receives security events.
type EventRecorder interface {
	Record(ctx context.Context, event audit.Event)
}

// GuardedHandlerFunc is a handler that runs with a re-verified identity.
type GuardedHandlerFunc func(w http.ResponseWriter, r *http.Request, user types.User)

// Guard re-verifies a session against the user store. It catches deleted
// accounts and role changes the gatekeeper cannot see.
type Guard struct {
	codec   *Codec
	users   IdentityStore
	events  EventRecorder
	logger  *zap.Logger
	timeout time.Duration
}

func NewGuard(codec *Codec, users IdentityStore, events EventRecorder, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		codec:   codec,
		users:   users,
		events:  events,
		logger:  logger,
		timeout: StoreTimeout,
	}
}

// Authenticate parses the session cookie and loads the account it names.
// It returns ErrUnauthenticated when either step finds nothing; store
// failures are returned as they are.
func (g *Guard) Authenticate(r *http.Request) (types.User, error) {
	token, ok := TokenFromRequest(r)
	if !ok {
		return types.User{}, ErrUnauthenticated
	}
	claims, err := g.codec.Parse(token)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	id, err := claims.NumericUserID()
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	user, err := g.lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.record(r, audit.Event{Kind: audit.KindIdentityMissing, UserID: id, Email: claims.Email, Role: claims.Role.String()})
			return types.User{}, ErrUnauthenticated
		}
		return types.User{}, err
	}
	return user, nil
}

// CurrentIdentity loads the account named by the gatekeeper's identity
// headers and requires its role and email to equal the token's.
func (g *Guard) CurrentIdentity(r *http.Request) (types.User, error) {
	rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	rawRole := strings.TrimSpace(r.Header.Get(HeaderUserRole))
	email := strings.TrimSpace(r.Header.Get(HeaderUserEmail))
	if rawID == "" || rawRole == "" || email == "" {
		return types.User{}, ErrUnauthenticated
	}
	id, err := strconv.Atoi(rawID)
	if err != nil || id < 1 {
		return types.User{}, ErrUnauthenticated
	}
	role, err := types.ParseRole(rawRole)
	if err != nil {
		return types.User{}, ErrUnauthenticated
	}

	user, err := g.lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.record(r, audit.Event{Kind: audit.KindIdentityMissing, UserID: id, Email: email, Role: rawRole})
			return types.User{}, ErrUnauthenticated
		}
		return types.User{}, err
	}

	if user.Role != role || user.Email != email {
		g.record(r, audit.Event{
			Kind:        audit.KindRoleDrift,
			UserID:      id,
			Email:       email,
			Role:        role.String(),
			StoredEmail: user.Email,
			StoredRole:  user.Role.String(),
		})
		return types.User{}, ErrRoleDrift
	}
	return user, nil
}

// RequireRole wraps next so that it only runs for stored accounts holding
// one of roles.
func (g *Guard) RequireRole(roles ...types.Role) func(GuardedHandlerFunc) http.HandlerFunc {
	return func(next GuardedHandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			user, err := g.Authenticate(r)
			if err != nil {
				g.WriteAuthError(w, r, err)
				return
			}
			if !hasRole(user.Role, roles) {
				writeJSONError(w, http.StatusForbidden, "Forbidden")
				return
			}
			next(w, r, user)
		}
	}
}

// WriteAuthError maps an Authenticate or CurrentIdentity error to a response.
func (g *Guard) WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ErrStoreTimeout):
		g.logger.Error("user store timed out", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "Service unavailable")
	default:
		g.logger.Error("user store failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (g *Guard) lookup(ctx context.Context, id int) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	user, err := g.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.User{}, fmt.Errorf("%w: %v", ErrStoreTimeout, err)
		}
		return types.User{}, err
	}
	return user, nil
}

func (g *Guard) record(r *http.Request, event audit.Event) {
	if g.events == nil {
		return
	}
	event.RemoteAddr = r.RemoteAddr
	event.Path = r.URL.Path
	g.events.Record(r.Context(), event)
}

func hasRole(role types.Role, allowed []types.Role) bool {
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}
