package authn

import (
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), false, "")
	token, err := v.Issue("client-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	subject, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "client-1" {
		t.Fatalf("expected subject client-1, got %q", subject)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), false, "")
	token, err := v.Issue("client-1", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v1 := NewVerifier([]byte("secret-one"), false, "")
	v2 := NewVerifier([]byte("secret-two"), false, "")
	token, err := v1.Issue("client-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v2.Verify(token); err == nil {
		t.Fatal("expected error verifying with a different secret")
	}
}

func TestDevModeAcceptsStaticSecret(t *testing.T) {
	v := NewVerifier(nil, true, "dev-shared-secret")
	subject, err := v.Verify("dev-shared-secret")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "dev" {
		t.Fatalf("expected subject dev, got %q", subject)
	}
}

func TestDevModeRejectsWrongStaticSecret(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), true, "dev-shared-secret")
	if _, err := v.Verify("wrong-secret"); err == nil {
		t.Fatal("expected error for wrong dev secret")
	}
}
