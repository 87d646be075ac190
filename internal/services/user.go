package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/washline/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt cost used for stored password hashes.
const PasswordCost = 12

// UserRepository defines persistence operations for users.
type UserRepository interface {
	FindByID(ctx context.Context, id int) (types.User, error)
	FindByEmailAndRole(ctx context.Context, email string, role types.Role) (types.User, error)
	TouchLastLogin(ctx context.Context, id int, at time.Time) error
	List(ctx context.Context) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	SetRole(ctx context.Context, id int, role types.Role) error
	Delete(ctx context.Context, id int) error
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

// NewUser holds the fields needed to provision an account.
type NewUser struct {
	Name     string
	Email    string
	Role     types.Role
	Password string
}

// Create provisions an account, hashing its password with PasswordCost.
func (s *UserService) Create(ctx context.Context, in NewUser) (types.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = types.NormalizeEmail(in.Email)
	if in.Name == "" || in.Email == "" {
		return types.User{}, errors.New("name and email are required")
	}
	if !in.Role.Valid() {
		return types.User{}, types.ErrInvalidRole
	}

	var hash string
	if in.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), PasswordCost)
		if err != nil {
			return types.User{}, err
		}
		hash = string(hashed)
	}

	return s.repo.Create(ctx, types.User{
		Name:         in.Name,
		Email:        in.Email,
		Role:         in.Role,
		PasswordHash: hash,
	})
}

func (s *UserService) SetRole(ctx context.Context, id int, role types.Role) error {
	if !role.Valid() {
		return types.ErrInvalidRole
	}
	return s.repo.SetRole(ctx, id, role)
}

func (s *UserService) Delete(ctx context.Context, id int) error {
	return s.repo.Delete(ctx, id)
}
