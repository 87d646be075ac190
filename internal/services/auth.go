package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/washline/apiserver/internal/audit"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/internal/store"
	"github.com/washline/apiserver/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is the only failure a login caller ever sees for a
// bad email, password or role.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(p auth.Payload) (string, auth.Claims, error)
}

// EventRecorder receives security events.
type EventRecorder interface {
	Record(ctx context.Context, event audit.Event)
}

// LoginInput is the raw login form.
type LoginInput struct {
	Email    string
	Password string
	Role     string
}

// LoginResult is a successful login.
type LoginResult struct {
	User   types.User
	Token  string
	Claims auth.Claims
}

// AuthService authenticates email, password and role against the user
// store and issues session tokens.
type AuthService struct {
	users  UserRepository
	tokens TokenIssuer
	events EventRecorder
	logger *zap.Logger
	now    func() time.Time

	storeTimeout time.Duration
}

func NewAuthService(users UserRepository, tokens TokenIssuer, events EventRecorder, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:  users,
		tokens: tokens,
		events: events,
		logger: logger,
		now:    time.Now,

		storeTimeout: auth.StoreTimeout,
	}
}

// WithStoreTimeout replaces the bound on each user store call made during
// login.
func (s *AuthService) WithStoreTimeout(d time.Duration) *AuthService {
	s.storeTimeout = d
	return s
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// burnCompare spends about as long as a real password check so that
// unknown accounts are not distinguishable by timing.
func burnCompare(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("washline-dummy-password"), PasswordCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// Login runs the login checks in order and stops at the first failure.
// Credential failures return ErrInvalidCredentials; store failures are
// returned wrapped.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	email := types.NormalizeEmail(in.Email)

	role, err := types.ParseRole(in.Role)
	if err != nil {
		s.fail(ctx, email, in.Role, "unknown role")
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.findUser(ctx, email, role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			burnCompare(in.Password)
			s.fail(ctx, email, in.Role, "no account for email and role")
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if user.PasswordHash == "" {
		burnCompare(in.Password)
		s.fail(ctx, email, in.Role, "account has no password")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		s.fail(ctx, email, in.Role, "password mismatch")
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if err := s.touchLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("last login not recorded", zap.Int("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	token, claims, err := s.tokens.Issue(auth.Payload{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		Name:   user.Name,
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}

	user.PasswordHash = ""
	s.record(ctx, audit.Event{Kind: audit.KindLoginSucceeded, UserID: user.ID, Email: user.Email, Role: user.Role.String()})
	return LoginResult{User: user, Token: token, Claims: claims}, nil
}

func (s *AuthService) findUser(ctx context.Context, email string, role types.Role) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.users.FindByEmailAndRole(ctx, email, role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, err
		}
		return types.User{}, storeError(ctx, "find user", err)
	}
	return user, nil
}

func (s *AuthService) touchLastLogin(ctx context.Context, id int, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.users.TouchLastLogin(ctx, id, at); err != nil {
		return storeError(ctx, "record last login", err)
	}
	return nil
}

// storeError marks err as a store timeout when the call's deadline passed.
func storeError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, auth.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *AuthService) fail(ctx context.Context, email, role, reason string) {
	s.record(ctx, audit.Event{Kind: audit.KindLoginFailed, Email: email, Role: role, Reason: reason})
}

func (s *AuthService) record(ctx context.Context, event audit.Event) {
	if s.events != nil {
		s.events.Record(ctx, event)
	}
}
