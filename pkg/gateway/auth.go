package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// AuthHandler manages challenge-response authentication for gateway
// clients. The client signs the server's random challenge with the
// shared secret; the secret itself never crosses the wire.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates an authentication handler.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature verifies an HMAC-SHA256 signature over a challenge.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// maxAuthAttempts bounds signature retries before the client is dropped.
const maxAuthAttempts = 3

// HandleAuthResponse processes one authentication attempt for a client.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Success: false, Message: "no challenge issued"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Success: false, Terminal: true, Message: "too many failed attempts"}
		}
		return AuthResult{Success: false, Message: "invalid signature"}
	}

	client.Authenticated = true
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Success: true}
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Success  bool
	Terminal bool // drop the connection
	Message  string
}
