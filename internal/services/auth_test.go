package services

import (
	"context"
	"errors"
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

type fakeUserRepo struct {
	mu       sync.Mutex
	users    map[int]types.User
	nextID   int
	touches  int
	touchErr error
	findErr  error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[int]types.User{}, nextID: 1}
}

func (f *fakeUserRepo) add(t *testing.T, name, email string, role types.Role, password string) types.User {
	t.Helper()
	var hash string
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		hash = string(h)
	}
	u, err := f.Create(context.Background(), types.User{Name: name, Email: email, Role: role, PasswordHash: hash})
	require.NoError(t, err)
	return u
}

func (f *fakeUserRepo) FindByID(_ context.Context, id int) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return types.User{}, f.findErr
	}
	u, ok := f.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	u.PasswordHash = ""
	return u, nil
}

func (f *fakeUserRepo) FindByEmailAndRole(_ context.Context, email string, role types.Role) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return types.User{}, f.findErr
	}
	for _, u := range f.users {
		if u.Email == email && u.Role == role {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (f *fakeUserRepo) TouchLastLogin(_ context.Context, id int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastLoginAt = &at
	f.users[id] = u
	f.touches++
	return nil
}

func (f *fakeUserRepo) List(context.Context) ([]types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUserRepo) Create(_ context.Context, u types.User) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = f.nextID
	f.nextID++
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUserRepo) SetRole(_ context.Context, id int, role types.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Role = role
	f.users[id] = u
	return nil
}

func (f *fakeUserRepo) Delete(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordedEvents) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newAuthService(repo *fakeUserRepo, events *recordedEvents) (*AuthService, *auth.Codec) {
	codec := auth.NewCodec("test-secret")
	return NewAuthService(repo, codec, events, nil), codec
}

func TestLoginSuccess(t *testing.T) {
	repo := newFakeUserRepo()
	sales := repo.add(t, "Sam Sales", "sales@example.com", types.RoleSalesman, "correct-horse")
	events := &recordedEvents{}
	svc, codec := newAuthService(repo, events)

	res, err := svc.Login(context.Background(), LoginInput{Email: " Sales@Example.com ", Password: "correct-horse", Role: "SALESMAN"})
	require.NoError(t, err)

	assert.Equal(t, sales.ID, res.User.ID)
	assert.Equal(t, types.RoleSalesman, res.User.Role)
	assert.Empty(t, res.User.PasswordHash)
	require.NotNil(t, res.User.LastLoginAt)
	assert.Equal(t, 1, repo.touches)

	claims, err := codec.Parse(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "sales@example.com", claims.Email)
	assert.Equal(t, types.RoleSalesman, claims.Role)
	assert.Equal(t, "Sam Sales", claims.Name)

	assert.Equal(t, []audit.Kind{audit.KindLoginSucceeded}, events.kinds())
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	repo := newFakeUserRepo()
	repo.add(t, "Sam Sales", "sales@example.com", types.RoleSalesman, "correct-horse")
	repo.add(t, "Pending", "pending@example.com", types.RoleAdmin, "")
	events := &recordedEvents{}
	svc, _ := newAuthService(repo, events)

	cases := []LoginInput{
		{Email: "sales@example.com", Password: "wrong", Role: "SALESMAN"},
		{Email: "nobody@example.com", Password: "correct-horse", Role: "SALESMAN"},
		{Email: "sales@example.com", Password: "correct-horse", Role: "ADMIN"},
		{Email: "sales@example.com", Password: "correct-horse", Role: "OWNER"},
		{Email: "pending@example.com", Password: "", Role: "ADMIN"},
	}
	for _, in := range cases {
		_, err := svc.Login(context.Background(), in)
		assert.Equal(t, ErrInvalidCredentials, err, "input %+v", in)
	}

	assert.Zero(t, repo.touches)
	for _, kind := range events.kinds() {
		assert.Equal(t, audit.KindLoginFailed, kind)
	}
	assert.Len(t, events.kinds(), len(cases))
}

func TestLoginSurvivesLastLoginFailure(t *testing.T) {
	repo := newFakeUserRepo()
	repo.add(t, "Ada", "ada@example.com", types.RoleSuperAdmin, "pw")
	repo.touchErr = errors.New("disk full")
	svc, _ := newAuthService(repo, &recordedEvents{})

	res, err := svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "pw", Role: "SUPER_ADMIN"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Nil(t, res.User.LastLoginAt)
}

func TestLoginStoreFailurePropagates(t *testing.T) {
	repo := newFakeUserRepo()
	repo.findErr = errors.New("connection refused")
	svc, _ := newAuthService(repo, &recordedEvents{})

	_, err := svc.Login(context.Background(), LoginInput{Email: "a@example.com", Password: "pw", Role: "ADMIN"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

// hangingRepo blocks the chosen calls until their context gives up.
type hangingRepo struct {
	*fakeUserRepo
	hangFind  bool
	hangTouch bool
}

func (h *hangingRepo) FindByEmailAndRole(ctx context.Context, email string, role types.Role) (types.User, error) {
	if h.hangFind {
		<-ctx.Done()
		return types.User{}, ctx.Err()
	}
	return h.fakeUserRepo.FindByEmailAndRole(ctx, email, role)
}

func (h *hangingRepo) TouchLastLogin(ctx context.Context, id int, at time.Time) error {
	if h.hangTouch {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.fakeUserRepo.TouchLastLogin(ctx, id, at)
}

func TestLoginBoundsStoreCalls(t *testing.T) {
	repo := &hangingRepo{fakeUserRepo: newFakeUserRepo(), hangFind: true}
	repo.add(t, "Sam Sales", "sales@example.com", types.RoleSalesman, "correct-horse")
	svc := NewAuthService(repo, auth.NewCodec("test-secret"), nil, nil).WithStoreTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := svc.Login(context.Background(), LoginInput{Email: "sales@example.com", Password: "correct-horse", Role: "SALESMAN"})
	assert.ErrorIs(t, err, auth.ErrStoreTimeout)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
	assert.Less(t, time.Since(start), 2*time.Second)

	// A hung last-login write does not block the login itself.
	repo.hangFind, repo.hangTouch = false, true
	result, err := svc.Login(context.Background(), LoginInput{Email: "sales@example.com", Password: "correct-horse", Role: "SALESMAN"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.Nil(t, result.User.LastLoginAt)
}

func TestUserServiceCreate(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewUserService(repo)

	_, err := svc.Create(context.Background(), NewUser{Name: "X", Email: "x@example.com"})
	assert.ErrorIs(t, err, types.ErrInvalidRole)

	_, err = svc.Create(context.Background(), NewUser{Email: "x@example.com", Role: types.RoleAdmin})
	assert.Error(t, err)

	u, err := svc.Create(context.Background(), NewUser{Name: " Ann ", Email: " Ann@Example.com", Role: types.RoleAdmin, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.Name)
	assert.Equal(t, "ann@example.com", u.Email)

	cost, err := bcrypt.Cost([]byte(u.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, PasswordCost, cost)

	require.NoError(t, svc.SetRole(context.Background(), u.ID, types.RoleSalesman))
	got, err := svc.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleSalesman, got.Role)

	assert.ErrorIs(t, svc.SetRole(context.Background(), u.ID, 0), types.ErrInvalidRole)
	require.NoError(t, svc.Delete(context.Background(), u.ID))
	_, err = svc.GetByID(context.Background(), u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
