// Package auth signs the short-lived state tokens that ride through the
// OAuth redirect round-trip, binding the callback to the intent it started
// with.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	IntentLink  = "link"
	IntentLogin = "login"
)

type StateClaims struct {
	Intent string `json:"intent"`
	Nonce  string `json:"nonce"`
	Exp    int64  `json:"exp"`
}

var (
	ErrInvalidState = errors.New("invalid state token")
	ErrExpiredState = errors.New("expired state token")
)

// NewState builds claims for a fresh linking attempt.
func NewState(intent string, ttl time.Duration) StateClaims {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	return StateClaims{
		Intent: intent,
		Nonce:  hex.EncodeToString(nonce),
		Exp:    time.Now().Add(ttl).Unix(),
	}
}

func IssueState(secret []byte, claims StateClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal state claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func ParseState(secret []byte, token string) (StateClaims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok {
		return StateClaims{}, ErrInvalidState
	}
	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return StateClaims{}, ErrInvalidState
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return StateClaims{}, ErrInvalidState
	}
	var claims StateClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return StateClaims{}, ErrInvalidState
	}
	if claims.Intent == "" || claims.Nonce == "" || claims.Exp == 0 {
		return StateClaims{}, ErrInvalidState
	}
	if time.Now().Unix() >= claims.Exp {
		return StateClaims{}, ErrExpiredState
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// HashToken is used wherever a bearer token must be stored: only the digest
// is persisted.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
