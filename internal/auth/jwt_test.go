// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/models"
)

func testSecurityConfig() *config.SecurityConfig {
	return &config.SecurityConfig{
		AuthMode:       "jwt",
		JWTSecret:      "test-secret-that-is-long-enough-for-hmac",
		SessionTimeout: time.Hour,
	}
}

func TestNewJWTManagerRequiresSecret(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.JWTSecret = ""
	if _, err := NewJWTManager(cfg); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	m, err := NewJWTManager(testSecurityConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.GenerateToken("alice", models.RoleStudent)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "alice" || claims.Role != models.RoleStudent {
		t.Errorf("claims = %q/%q", claims.Username, claims.Role)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	m, err := NewJWTManager(testSecurityConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.GenerateToken("alice", models.RoleStudent)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := m.ValidateToken(tampered); err == nil {
		t.Error("expected error for tampered signature")
	}

	other := testSecurityConfig()
	other.JWTSecret = "a-completely-different-secret-of-good-length"
	otherManager, err := NewJWTManager(other)
	if err != nil {
		t.Fatalf("other manager: %v", err)
	}
	if _, err := otherManager.ValidateToken(token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.SessionTimeout = -time.Minute
	m, err := NewJWTManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.GenerateToken("alice", models.RoleStudent)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestValidateTokenRejectsNoneAlgorithm(t *testing.T) {
	m, err := NewJWTManager(testSecurityConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "mallory", Role: models.RoleAdmin})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := m.ValidateToken(token); err == nil {
		t.Error("expected error for alg=none token")
	}
}
