package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/backend-ledger/ledger/internal/auth"
	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/logging"
)

type userRepo interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

type UserService struct {
	users     userRepo
	jwtSecret string
	jwtExpiry time.Duration
}

func NewUserService(users userRepo, jwtSecret string, jwtExpiry time.Duration) *UserService {
	return &UserService{users: users, jwtSecret: jwtSecret, jwtExpiry: jwtExpiry}
}

func (s *UserService) Register(ctx context.Context, email, name, password string) (*domain.User, error) {
	if email == "" || name == "" || len(password) < 8 {
		return nil, fmt.Errorf("Register: %w", domain.ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("Register: hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Status:       domain.UserStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("Register: %w", err)
	}

	logging.FromContext(ctx).Info("user registered", "user_id", user.ID)
	return user, nil
}

// Login verifies credentials and issues a signed token. Wrong email and
// wrong password return the same error.
func (s *UserService) Login(ctx context.Context, email, password string) (string, *domain.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil, fmt.Errorf("Login: %w", domain.ErrInvalidCredentials)
		}
		return "", nil, fmt.Errorf("Login: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, fmt.Errorf("Login: %w", domain.ErrInvalidCredentials)
	}
	if user.Status != domain.UserStatusActive {
		return "", nil, fmt.Errorf("Login: %w", domain.ErrInvalidCredentials)
	}

	token, err := auth.GenerateToken(user.ID, user.Email, s.jwtSecret, s.jwtExpiry)
	if err != nil {
		return "", nil, fmt.Errorf("Login: %w", err)
	}
	return token, user, nil
}

func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}
	return user, nil
}
