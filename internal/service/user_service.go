package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
)

type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UserOptions struct {
	DefaultMaxBytes int64
	NamespaceSecret []byte
	// HashCost - стоимость bcrypt, 0 означает bcrypt.DefaultCost
	HashCost int
}

type UserService struct {
	store    repository.Store
	opts     UserOptions
	validate *validator.Validate
	logger   *zap.Logger
}

func NewUserService(store repository.Store, opts UserOptions, logger *zap.Logger) *UserService {
	if opts.DefaultMaxBytes <= 0 {
		opts.DefaultMaxBytes = domain.DefaultMaxBytes
	}
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	return &UserService{
		store:    store,
		opts:     opts,
		validate: validator.New(),
		logger:   logger.Named("users"),
	}
}

// Register создает пользователя и его счет квоты в одной транзакции
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*domain.Registration, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validate.StructCtx(ctx, in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.opts.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id := uuid.New()
	user := &domain.User{
		ID:               id,
		Name:             in.Name,
		Email:            in.Email,
		PasswordHash:     string(hash),
		StorageNamespace: StorageNamespace(s.opts.NamespaceSecret, id),
		IsActive:         true,
	}
	account := domain.NewQuotaAccount(id, s.opts.DefaultMaxBytes)

	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		if err := tx.CreateQuotaAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to create quota account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered",
		zap.Stringer("user_id", id),
		zap.Int64("max_bytes", account.MaxBytes))

	return &domain.Registration{User: user, Quota: account.Info()}, nil
}

func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}
