package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndVerify(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Generate(&Principal{ID: "user-1", Name: "Ada"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	principal, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.ID != "user-1" || principal.Name != "Ada" {
		t.Errorf("principal = %+v", principal)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Hour).Generate(&Principal{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewService("secret-b", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("verify with wrong secret = %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := NewService("secret", -time.Minute).Generate(&Principal{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService("secret", -time.Minute).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token = %v", err)
	}
}

func TestDisabledService(t *testing.T) {
	svc := NewService("", 0)
	if svc.Enabled() {
		t.Error("empty secret should disable auth")
	}
	if _, err := svc.Generate(&Principal{ID: "x"}); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("generate = %v", err)
	}
	if _, err := svc.Verify("whatever"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("verify = %v", err)
	}
}
