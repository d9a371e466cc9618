package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"muse/api/internal/apperr"
	"muse/api/internal/store"
)

func newTestService() (*Service, *store.MemStore) {
	s := store.NewMemStore()
	return NewService(s, WithCost(bcrypt.MinCost)), s
}

func TestRegisterHashesPassword(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()

	account, err := svc.Register(ctx, RegisterRequest{UserID: "u-owner", Name: "Olive", Password: "correct horse"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if account.Kind != "user" {
		t.Errorf("expected default kind user, got %q", account.Kind)
	}
	stored, err := s.GetAccount(ctx, "u-owner")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.PasswordHash == "correct horse" || !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Errorf("expected a bcrypt hash, got %q", stored.PasswordHash)
	}
}

func TestRegisterGeneratesID(t *testing.T) {
	svc, _ := newTestService()
	account, err := svc.Register(context.Background(), RegisterRequest{Name: "Planner", Kind: "agent", Password: "agent-secret"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(account.ID, "usr_") {
		t.Errorf("expected generated id, got %q", account.ID)
	}
}

func TestRegisterRefusesExistingID(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{UserID: "u-owner", Name: "Olive", Password: "correct horse"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := svc.Register(ctx, RegisterRequest{UserID: "u-owner", Name: "Mallory", Password: "let me in please"})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	stored, _ := s.GetAccount(ctx, "u-owner")
	if stored.Name != "Olive" {
		t.Errorf("existing account was overwritten: %#v", stored)
	}
	if _, err := svc.SignIn(ctx, "u-owner", "let me in please"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected the second password to be refused, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{name: "missing name", req: RegisterRequest{Password: "long enough"}},
		{name: "short password", req: RegisterRequest{Name: "Ada", Password: "short"}},
		{name: "unknown kind", req: RegisterRequest{Name: "Ada", Kind: "robot", Password: "long enough"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tc.req)
			if !apperr.HasCode(err, "VALIDATION_ERROR") {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{UserID: "u-editor", Name: "Eddie", Password: "correct horse"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	account, err := svc.SignIn(ctx, "u-editor", "correct horse")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if account.Name != "Eddie" {
		t.Errorf("unexpected account %#v", account)
	}

	for _, tc := range []struct{ userID, password string }{
		{"u-editor", "wrong password"},
		{"u-missing", "correct horse"},
		{"u-editor", ""},
		{"", "correct horse"},
	} {
		if _, err := svc.SignIn(ctx, tc.userID, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("SignIn(%q, %q): expected ErrInvalidCredentials, got %v", tc.userID, tc.password, err)
		}
	}
}
