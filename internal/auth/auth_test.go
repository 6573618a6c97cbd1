package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ibbtransit/crowdcast/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBootstrapCreatesAdminOnce(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, "secret", "crowdcast-test", time.Hour)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx, "admin", "hunter2"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	n, err := st.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountUsers = %d, want 1", n)
	}

	// Second call must be a no-op since an account already exists.
	if err := svc.Bootstrap(ctx, "someone-else", "whatever"); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	n, _ = st.CountUsers(ctx)
	if n != 1 {
		t.Fatalf("CountUsers after second Bootstrap = %d, want 1", n)
	}
}

func TestBootstrapRequiresCredentials(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, "secret", "crowdcast-test", time.Hour)
	if err := svc.Bootstrap(context.Background(), "", ""); err == nil {
		t.Error("expected error when no admin exists and credentials are empty")
	}
}

func TestLoginAndValidateToken(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, "secret", "crowdcast-test", time.Hour)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx, "admin", "hunter2"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	token, err := svc.Login(ctx, "admin", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("claims.Username = %q, want admin", claims.Username)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, "secret", "crowdcast-test", time.Hour)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx, "admin", "hunter2"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := svc.Login(ctx, "admin", "wrong-password"); err != ErrInvalidCredentials {
		t.Errorf("Login(wrong password) err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, "secret", "crowdcast-test", -time.Hour)

	token, err := svc.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := svc.ValidateToken(token); err != ErrExpiredToken {
		t.Errorf("ValidateToken(expired) err = %v, want ErrExpiredToken", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, "secret-a", "crowdcast-test", time.Hour)
	token, err := svc.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	other := New(st, "secret-b", "crowdcast-test", time.Hour)
	if _, err := other.ValidateToken(token); err != ErrInvalidToken {
		t.Errorf("ValidateToken(wrong secret) err = %v, want ErrInvalidToken", err)
	}
}
