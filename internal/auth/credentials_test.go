package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zkcommerce/settlement-system/internal/model"
)

func TestIssueAndParse(t *testing.T) {
	m := NewCredentialManager([]byte("test-secret"), time.Hour)

	token, exp, err := m.Issue("aleo1abc", model.RoleBuyer)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry in the past: %v", exp)
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Address != "aleo1abc" {
		t.Fatalf("address = %q, want aleo1abc", claims.Address)
	}
	if claims.Role != model.RoleBuyer {
		t.Fatalf("role = %q, want buyer", claims.Role)
	}
}

func TestParse_WrongKey(t *testing.T) {
	issuer := NewCredentialManager([]byte("secret-a"), time.Hour)
	verifier := NewCredentialManager([]byte("secret-b"), time.Hour)

	token, _, err := issuer.Issue("aleo1abc", model.RoleMerchant)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verifier.Parse(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestParse_Expired(t *testing.T) {
	m := NewCredentialManager([]byte("test-secret"), -time.Minute)

	token, _, err := m.Issue("aleo1abc", model.RoleBuyer)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m.Parse(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestParse_Garbage(t *testing.T) {
	m := NewCredentialManager([]byte("test-secret"), time.Hour)

	if _, err := m.Parse("not-a-token"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestNewNonce_Unique(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	b, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}

	if a == b {
		t.Fatalf("two nonces are equal: %s", a)
	}
	if len(a) != 64 {
		t.Fatalf("nonce length = %d, want 64 hex chars", len(a))
	}
}

func TestChallengeMessage_EmbedsNonce(t *testing.T) {
	msg := ChallengeMessage("aleo1abc", "deadbeef", time.Now())
	if !strings.Contains(msg, "deadbeef") {
		t.Fatalf("message does not embed nonce: %q", msg)
	}
	if !strings.Contains(msg, "aleo1abc") {
		t.Fatalf("message does not embed address: %q", msg)
	}
}
