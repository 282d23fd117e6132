package token

import (
	"context"
	"errors"
	"testing"
	"time"
)

func withSecret(t *testing.T, secret string) {
	t.Helper()
	t.Setenv("FARMTRACE_AUTH_SECRET", secret)
	ResetSecretCache()
	t.Cleanup(ResetSecretCache)
}

func TestGenerateAndParse(t *testing.T) {
	withSecret(t, "test-secret")

	signed, err := Generate("actor-1", "0xAbCd", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := ParseAndValidate(signed)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "actor-1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Wallet != "0xabcd" {
		t.Fatalf("wallets are stored lower-cased, got %q", claims.Wallet)
	}
	if claims.Issuer != "farmtrace" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	withSecret(t, "test-secret")

	signed, err := Generate("actor-1", "", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := ParseAndValidate(signed + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token: %v", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token: %v", err)
	}
	if _, err := ParseAndValidate("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token: %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	withSecret(t, "test-secret")

	signed, err := Generate("actor-1", "", time.Millisecond)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: %v", err)
	}
}

func TestGenerateValidation(t *testing.T) {
	withSecret(t, "test-secret")

	if _, err := Generate(" ", "", time.Hour); err == nil {
		t.Fatal("blank actor id must fail")
	}
	if _, err := Generate("actor-1", "", 0); err == nil {
		t.Fatal("zero ttl must fail")
	}
}

func TestConfigured(t *testing.T) {
	t.Setenv("FARMTRACE_AUTH_SECRET", "")
	ResetSecretCache()
	t.Cleanup(ResetSecretCache)
	if Configured() {
		t.Fatal("no secret in the environment")
	}

	t.Setenv("FARMTRACE_AUTH_SECRET", "test-secret")
	ResetSecretCache()
	if !Configured() {
		t.Fatal("secret set but not picked up")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("empty context has no principal")
	}
	p := Principal{ActorID: "actor-1", Wallet: "0xabc"}
	got, ok := PrincipalFromContext(ContextWithPrincipal(ctx, p))
	if !ok || got != p {
		t.Fatalf("principal round trip: %v %v", got, ok)
	}
}
