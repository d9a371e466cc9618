// Package authpw verifies account passwords before a session token is issued.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"muse/api/internal/apperr"
	"muse/api/internal/auth"
	"muse/api/internal/store"
	"muse/api/internal/util"
)

const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid user id or password")
	ErrAccountExists      = errors.New("account already registered")
)

// AccountStore defines the storage interface for auth
type AccountStore interface {
	CreateAccount(ctx context.Context, account store.Account) (bool, error)
	GetAccount(ctx context.Context, accountID string) (store.Account, error)
}

type Service struct {
	store AccountStore
	cost  int
}

type Option func(*Service)

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func NewService(store AccountStore, opts ...Option) *Service {
	s := &Service{store: store, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterRequest struct {
	UserID   string
	Name     string
	Kind     string
	Password string
}

// Register creates an account. An empty UserID is generated; an id that is
// already registered is refused so nobody can claim an existing identity.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.Account, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return store.Account{}, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	kind := req.Kind
	switch kind {
	case "":
		kind = auth.KindUser
	case auth.KindUser, auth.KindAgent:
	default:
		return store.Account{}, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be user or agent", nil)
	}
	if len(req.Password) < MinPasswordLength {
		return store.Account{}, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength), nil)
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = util.NewID("usr")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Account{}, fmt.Errorf("hash password: %w", err)
	}
	account := store.Account{ID: userID, Name: name, Kind: kind, PasswordHash: string(hash)}
	created, err := s.store.CreateAccount(ctx, account)
	if err != nil {
		return store.Account{}, fmt.Errorf("create account: %w", err)
	}
	if !created {
		return store.Account{}, ErrAccountExists
	}
	return account, nil
}

// SignIn returns the account when the password matches. Unknown ids and wrong
// passwords produce the same error.
func (s *Service) SignIn(ctx context.Context, userID, password string) (store.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return store.Account{}, ErrInvalidCredentials
	}
	account, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("load account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return store.Account{}, ErrInvalidCredentials
	}
	return account, nil
}
