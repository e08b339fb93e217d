// Package controlauth gates the control channel with bearer JWTs,
// carried in a per-command token field since the control channel's
// transport is NDJSON over a Unix socket rather than HTTP.
package controlauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages the active signing key and every key still accepted
// for verification, so keys rotate without downtime.
type KeySet interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds Ed25519 keys in memory, keyed by kid.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
}

// maxRetainedKeys caps how many keys the set holds, the current signing
// key included; once Rotate pushes the set past it, one non-current key
// is dropped.
const maxRetainedKeys = 4

func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *InMemoryKeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("controlauth: generate key: %w", err)
	}
	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = priv
	ks.currentKID = kid

	if len(ks.keys) > maxRetainedKeys {
		for k := range ks.keys {
			if k != kid {
				delete(ks.keys, k)
				break
			}
		}
	}
	return nil
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid, key := ks.currentKID, ks.keys[ks.currentKID]
	ks.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("controlauth: no active key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("controlauth: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("controlauth: missing kid in header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("controlauth: key %q not found", kid)
		}
		return key.Public(), nil
	}
}

// Claims is the JWT payload a control-channel client carries. Scopes
// gates which commands a token may invoke; an empty Scopes grants all
// commands, matching an operator token minted for local tooling.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Validator checks bearer tokens presented on the control channel's
// request envelope.
type Validator struct {
	KeySet KeySet
}

// NewValidator builds a Validator. A nil KeySet makes every Validate
// call fail closed.
func NewValidator(ks KeySet) *Validator {
	return &Validator{KeySet: ks}
}

// secretKeySet wraps a single static HMAC secret as a KeySet, for the
// common single-process-daemon deployment where tokens are minted by an
// operator's out-of-band tool and must still validate across daemon
// restarts -- an in-memory Ed25519 InMemoryKeySet cannot do that since
// its keys do not survive the process exiting.
type secretKeySet struct {
	secret []byte
}

func (s secretKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s secretKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("controlauth: unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}
}

// NewSecretValidator builds a Validator backed by a single shared HMAC
// secret, per config.Config.ControlAuthSecret. An empty secret returns a
// Validator that fails every token closed.
func NewSecretValidator(secret string) *Validator {
	if secret == "" {
		return &Validator{}
	}
	return &Validator{KeySet: secretKeySet{secret: []byte(secret)}}
}

// Validate parses and verifies a bearer token and its subject, returning
// the verified claims on success. Scopes are not checked.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	return v.ValidateScope(tokenStr, "")
}

// ValidateScope behaves like Validate but additionally requires cmd to
// appear in the token's scopes when the token carries any.
func (v *Validator) ValidateScope(tokenStr, cmd string) (*Claims, error) {
	if v.KeySet == nil {
		return nil, fmt.Errorf("controlauth: validator unconfigured")
	}
	if tokenStr == "" {
		return nil, fmt.Errorf("controlauth: missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("controlauth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("controlauth: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("controlauth: token subject is required")
	}
	if cmd != "" && len(claims.Scopes) > 0 && !hasScope(claims.Scopes, cmd) {
		return nil, fmt.Errorf("controlauth: token does not grant command %q", cmd)
	}
	return claims, nil
}

func hasScope(scopes []string, cmd string) bool {
	for _, s := range scopes {
		if s == cmd || s == "*" {
			return true
		}
	}
	return false
}
