// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func computeHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signHS256(t *testing.T, secret []byte, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn))}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestRequireAdminOpenWhenNoSecret(t *testing.T) {
	s := &Server{}
	called := false
	h := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/workflows/health", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdminRejectsMissingToken(t *testing.T) {
	s := &Server{AdminSecret: []byte("topsecret")}
	h := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/workflows/health", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminAcceptsValidToken(t *testing.T) {
	secret := []byte("topsecret")
	s := &Server{AdminSecret: secret}
	called := false
	h := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/workflows/health", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, secret, time.Hour))
	rec := httptest.NewRecorder()
	h(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdminRejectsExpiredToken(t *testing.T) {
	secret := []byte("topsecret")
	s := &Server{AdminSecret: secret}
	h := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/workflows/health", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, secret, -time.Hour))
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyWebhookSignatureNoSecretConfiguredPasses(t *testing.T) {
	s := &Server{WebhookSecrets: map[string]string{}}
	ok, hadSecret := s.verifyWebhookSignature(httptest.NewRequest(http.MethodPost, "/", nil), []byte(`{}`), "tenant-1")
	require.True(t, ok)
	require.False(t, hadSecret)
}

func TestVerifyWebhookSignatureValid(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	s := &Server{WebhookSecrets: map[string]string{"tenant-1": "shh"}}

	mac := computeHMAC(body, "shh")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Webhook-Signature", "sha256="+mac)

	ok, hadSecret := s.verifyWebhookSignature(req, body, "tenant-1")
	require.True(t, ok)
	require.True(t, hadSecret)
}

func TestVerifyWebhookSignatureInvalid(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	s := &Server{WebhookSecrets: map[string]string{"tenant-1": "shh"}}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Webhook-Signature", "sha256=deadbeef")

	ok, hadSecret := s.verifyWebhookSignature(req, body, "tenant-1")
	require.False(t, ok)
	require.True(t, hadSecret)
}
