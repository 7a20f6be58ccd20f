package main

import (
	"testing"

	"tokoku/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakSecretWithDatabase(t *testing.T) {
	err := validateSecurityConfig(config.Config{DatabaseURL: "postgres://x", AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{DatabaseURL: "postgres://x", AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigAllowsDevSetupWithoutSecret(t *testing.T) {
	if err := validateSecurityConfig(config.Config{}); err != nil {
		t.Fatalf("expected in-memory dev config to pass, got %v", err)
	}
}
