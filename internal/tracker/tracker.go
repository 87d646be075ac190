// Package tracker keeps a client's view of "who am I" in step with the
// server. It polls the identity endpoint and moves the client off pages its
// role no longer owns.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// RefreshInterval is how often an active session is re-validated.
	RefreshInterval = 5 * time.Minute
	// DebounceWindow is the minimum spacing between two identity calls.
	DebounceWindow = 2 * time.Second
)

var (
	// ErrUnauthorized is returned by a Client when the server rejects the
	// session.
	ErrUnauthorized = errors.New("session rejected")

	ErrAlreadyStarted = errors.New("tracker already started")
)

// Client is the server side of the tracker.
type Client interface {
	Me(ctx context.Context) (types.User, error)
	Logout(ctx context.Context) error
}

// Navigator is the UI the tracker steers.
type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithInterval(d time.Duration) Option { return func(t *Tracker) { t.interval = d } }

func WithDebounce(d time.Duration) Option { return func(t *Tracker) { t.debounce = d } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithLogger(logger *zap.Logger) Option { return func(t *Tracker) { t.logger = logger } }

// Tracker holds the current identity for one client. Create one per
// application mount and Stop it on unmount.
type Tracker struct {
	client   Client
	nav      Navigator
	logger   *zap.Logger
	interval time.Duration
	debounce time.Duration
	now      func() time.Time

	calls singleflight.Group

	mu          sync.Mutex
	identity    *types.User
	lastRefresh time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(client Client, nav Navigator, opts ...Option) *Tracker {
	t := &Tracker{
		client:   client,
		nav:      nav,
		logger:   zap.NewNop(),
		interval: RefreshInterval,
		debounce: DebounceWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start validates the session once and then keeps re-validating it every
// interval until Stop is called or ctx is done.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	_, _ = t.Refresh(ctx)
	go t.loop(ctx, done)
	return nil
}

// Stop ends the refresh loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := t.Identity(); !ok {
				continue
			}
			if _, err := t.Refresh(ctx); err != nil {
				t.logger.Info("session ended", zap.Error(err))
			}
		}
	}
}

// Identity returns the last identity the server confirmed.
func (t *Tracker) Identity() (types.User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.identity == nil {
		return types.User{}, false
	}
	return *t.identity, true
}

// Refresh asks the server who the session belongs to. Calls inside the
// debounce window return the cached identity, and concurrent callers share
// one request. A nil user with a nil error means the client is signed out.
func (t *Tracker) Refresh(ctx context.Context) (*types.User, error) {
	v, err, _ := t.calls.Do("me", func() (any, error) {
		t.mu.Lock()
		now := t.now()
		if !t.lastRefresh.IsZero() && now.Sub(t.lastRefresh) < t.debounce {
			cached := t.identity
			t.mu.Unlock()
			return cached, nil
		}
		t.lastRefresh = now
		t.mu.Unlock()

		user, err := t.client.Me(ctx)
		if err != nil {
			t.signedOut()
			return nil, err
		}
		t.signedIn(user)
		return &user, nil
	})
	if err != nil {
		return nil, err
	}
	user, _ := v.(*types.User)
	if user == nil {
		return nil, nil
	}
	out := *user
	return &out, nil
}

// Logout ends the session on the server and locally. The local state is
// cleared even when the server call fails; that error is returned.
func (t *Tracker) Logout(ctx context.Context) error {
	err := t.client.Logout(ctx)
	if err != nil {
		t.logger.Warn("logout request failed", zap.Error(err))
	}
	t.signedOut()
	return err
}

func (t *Tracker) signedIn(user types.User) {
	t.mu.Lock()
	t.identity = &user
	t.mu.Unlock()

	owned, ok := auth.OwnedPrefix(user.Role)
	if !ok {
		return
	}
	current := t.nav.CurrentPath()
	if current == auth.LoginPath {
		t.nav.Navigate(owned)
		return
	}
	if owner, found := auth.OwnerOf(current); found && owner != user.Role {
		t.nav.Navigate(owned)
	}
}

func (t *Tracker) signedOut() {
	t.mu.Lock()
	t.identity = nil
	t.mu.Unlock()

	if t.nav.CurrentPath() != auth.LoginPath {
		t.nav.Navigate(auth.LoginPath)
	}
}
