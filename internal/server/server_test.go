package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/washline/apiserver/internal/audit"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/internal/store"
	"github.com/washline/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

type memoryUsers struct {
	mu     sync.Mutex
	users  map[int]types.User
	nextID int
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[int]types.User{}, nextID: 1}
}

func (m *memoryUsers) seed(t *testing.T, name, email string, role types.Role, password string) types.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u, err := m.Create(context.Background(), types.User{Name: name, Email: email, Role: role, PasswordHash: string(hash)})
	require.NoError(t, err)
	return u
}

func (m *memoryUsers) FindByID(_ context.Context, id int) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	u.PasswordHash = ""
	return u, nil
}

func (m *memoryUsers) FindByEmailAndRole(_ context.Context, email string, role types.Role) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && u.Role == role {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (m *memoryUsers) TouchLastLogin(_ context.Context, id int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastLoginAt = &at
	m.users[id] = u
	return nil
}

func (m *memoryUsers) List(context.Context) ([]types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memoryUsers) Create(_ context.Context, u types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.nextID
	m.nextID++
	m.users[u.ID] = u
	return u, nil
}

func (m *memoryUsers) SetRole(_ context.Context, id int, role types.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Role = role
	m.users[id] = u
	return nil
}

func (m *memoryUsers) Delete(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *eventSink) Record(_ context.Context, e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) has(kind audit.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type fixture struct {
	handler http.Handler
	users   *memoryUsers
	events  *eventSink
	codec   *auth.Codec
}

func newFixture(t *testing.T, dbErr error) *fixture {
	t.Helper()
	f := &fixture{
		users:  newMemoryUsers(),
		events: &eventSink{},
		codec:  auth.NewCodec("router-test-secret"),
	}
	f.handler = NewRouter(Dependencies{
		DB:     pinger{err: dbErr},
		Users:  f.users,
		Codec:  f.codec,
		Events: f.events,
	})
	return f
}

func (f *fixture) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, email, password, role string) *http.Cookie {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/auth/login", loginBody(email, password, role))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := sessionCookie(rec)
	require.NotNil(t, c)
	return c
}

func loginBody(email, password, role string) string {
	b, _ := json.Marshal(map[string]string{"email": email, "password": password, "role": role})
	return string(b)
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			return c
		}
	}
	return nil
}

func TestLoginSetsSessionCookie(t *testing.T) {
	f := newFixture(t, nil)
	f.users.seed(t, "Ana Admin", "admin@example.com", types.RoleAdmin, "wash-and-wax")

	rec := f.do(http.MethodPost, "/api/auth/login", loginBody("admin@example.com", "wash-and-wax", "ADMIN"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Message string `json:"message"`
		User    struct {
			ID        int        `json:"id"`
			Email     string     `json:"email"`
			Role      string     `json:"role"`
			LastLogin *time.Time `json:"lastLogin"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Login successful", body.Message)
	assert.Equal(t, "ADMIN", body.User.Role)
	assert.NotNil(t, body.User.LastLogin)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	c := sessionCookie(rec)
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, int(auth.TokenTTL.Seconds()), c.MaxAge)

	claims, err := f.codec.Parse(c.Value)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, claims.Role)

	// Signed in users are sent away from the login page.
	rec = f.do(http.MethodGet, "/login", "", c)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/admin", rec.Header().Get("Location"))
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t, nil)

	cases := map[string]string{
		"malformed":     `{"email":`,
		"missing role":  loginBody("a@example.com", "pw", ""),
		"missing email": loginBody("", "pw", "ADMIN"),
		"unknown role":  loginBody("a@example.com", "pw", "JANITOR"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/auth/login", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, sessionCookie(rec))
		})
	}
}

func TestLoginFailuresLookAlike(t *testing.T) {
	f := newFixture(t, nil)
	f.users.seed(t, "Sam Sales", "sales@example.com", types.RoleSalesman, "foam-cannon")

	attempts := []string{
		loginBody("sales@example.com", "wrong", "SALESMAN"),
		loginBody("sales@example.com", "foam-cannon", "ADMIN"),
		loginBody("nobody@example.com", "foam-cannon", "SALESMAN"),
	}
	var bodies []string
	for _, body := range attempts {
		rec := f.do(http.MethodPost, "/api/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, sessionCookie(rec))
		bodies = append(bodies, rec.Body.String())
	}
	assert.JSONEq(t, `{"error":"Invalid credentials"}`, bodies[0])
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[0], bodies[2])
	assert.True(t, f.events.has(audit.KindLoginFailed))
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.users.seed(t, "Ana Admin", "admin@example.com", types.RoleAdmin, "wash-and-wax")
	session := f.login(t, "admin@example.com", "wash-and-wax", "ADMIN")

	cases := map[string][]*http.Cookie{
		"with session": {session},
		"no cookie":    nil,
		"garbage":      {{Name: auth.CookieName, Value: "not-a-token"}},
	}
	for name, cookies := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/auth/logout", "", cookies...)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"message":"Logged out successfully"}`, rec.Body.String())
			c := sessionCookie(rec)
			require.NotNil(t, c)
			assert.Empty(t, c.Value)
			assert.Negative(t, c.MaxAge)
		})
	}
	assert.True(t, f.events.has(audit.KindLogout))
}

func TestMe(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.users.seed(t, "Ana Admin", "admin@example.com", types.RoleAdmin, "wash-and-wax")
	session := f.login(t, "admin@example.com", "wash-and-wax", "ADMIN")

	rec := f.do(http.MethodGet, "/api/auth/me", "", session)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			ID   int    `json:"id"`
			Role string `json:"role"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Authenticated)
	assert.Equal(t, admin.ID, body.User.ID)

	// Spoofed identity headers without a session are ignored.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set(auth.HeaderUserID, "1")
	req.Header.Set(auth.HeaderUserRole, "ADMIN")
	req.Header.Set(auth.HeaderUserEmail, "admin@example.com")
	spoofed := httptest.NewRecorder()
	f.handler.ServeHTTP(spoofed, req)
	assert.Equal(t, http.StatusUnauthorized, spoofed.Code)
}

func TestMeDetectsRoleDrift(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.users.seed(t, "Ana Admin", "admin@example.com", types.RoleAdmin, "wash-and-wax")
	session := f.login(t, "admin@example.com", "wash-and-wax", "ADMIN")

	require.NoError(t, f.users.SetRole(context.Background(), admin.ID, types.RoleSalesman))

	rec := f.do(http.MethodGet, "/api/auth/me", "", session)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
	c := sessionCookie(rec)
	require.NotNil(t, c)
	assert.Empty(t, c.Value)
	assert.True(t, f.events.has(audit.KindRoleDrift))
}

func TestMeAfterAccountDeleted(t *testing.T) {
	f := newFixture(t, nil)
	sales := f.users.seed(t, "Sam Sales", "sales@example.com", types.RoleSalesman, "foam-cannon")
	session := f.login(t, "sales@example.com", "foam-cannon", "SALESMAN")

	require.NoError(t, f.users.Delete(context.Background(), sales.ID))

	rec := f.do(http.MethodGet, "/api/auth/me", "", session)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, f.events.has(audit.KindIdentityMissing))
}

func TestSalesmanRouting(t *testing.T) {
	f := newFixture(t, nil)
	f.users.seed(t, "Sam Sales", "sales@example.com", types.RoleSalesman, "foam-cannon")
	session := f.login(t, "sales@example.com", "foam-cannon", "SALESMAN")

	rec := f.do(http.MethodGet, "/admin/sites", "", session)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/sales", rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/api/admin/dashboard", "", session)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/sales/dashboard", "", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dashboard":"/sales"`)

	rec = f.do(http.MethodGet, "/sales/reports", "", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"page":"/sales/reports","role":"SALESMAN","email":"sales@example.com"}`, rec.Body.String())
}

func TestDashboardRechecksStoredRole(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.users.seed(t, "Ana Admin", "admin@example.com", types.RoleAdmin, "wash-and-wax")
	session := f.login(t, "admin@example.com", "wash-and-wax", "ADMIN")

	require.NoError(t, f.users.SetRole(context.Background(), admin.ID, types.RoleSalesman))

	// The token still says ADMIN, so the gatekeeper lets it through; the
	// guard sees the stored role.
	rec := f.do(http.MethodGet, "/api/admin/dashboard", "", session)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnauthenticatedRequests(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/super-admin", "")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, auth.LoginPath, rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/api/super-admin/dashboard", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/login", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	f := newFixture(t, nil)

	limited := 0
	for i := 0; i < 15; i++ {
		body := loginBody(fmt.Sprintf("guess%d@example.com", i), "wrong", "ADMIN")
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 4)
}

func TestLoginRateLimitPerEmail(t *testing.T) {
	f := newFixture(t, nil)

	limited := 0
	for i := 0; i < 15; i++ {
		// A different peer each time, same account in varying case.
		email := "Target@Example.com"
		if i%2 == 0 {
			email = "target@example.com"
		}
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(loginBody(email, "wrong", "ADMIN")))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = fmt.Sprintf("192.0.2.%d:4711", i+1)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
			assert.JSONEq(t, `{"error":"Too many login attempts"}`, rec.Body.String())
		}
	}
	assert.GreaterOrEqual(t, limited, 4)
}

func TestHealth(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = newFixture(t, errors.New("connection refused")).do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy"}`, rec.Body.String())
}
