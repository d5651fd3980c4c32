// Package dpop emits DPoP proof tokens: ES256-signed JWTs whose header embeds
// the public half of a process-local EC P-256 keypair. The upstream uses them
// as an anti-scraping signal rather than a full OAuth proof-of-possession
// flow, but the token shape follows the standard.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Credentials describes the public parts of a signer. The private key never
// leaves the process.
type Credentials struct {
	X          string    `json:"x"`
	Y          string    `json:"y"`
	DeviceUUID string    `json:"device_uuid"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Signer holds one EC P-256 keypair plus the device and session identifiers
// bound to it. Keypairs are meant to be rotated by the caller (the
// authenticator rotates every 15 minutes to mimic browser behavior).
type Signer struct {
	key        *ecdsa.PrivateKey
	xB64       string
	yB64       string
	deviceUUID string
	sessionID  string
	createdAt  time.Time
}

// NewSigner generates a fresh keypair with random device and session IDs.
func NewSigner() (*Signer, error) {
	return NewSignerWithIdentity(uuid.NewString(), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NewSignerWithIdentity generates a fresh keypair bound to the given
// identifiers. The session ID is expected to be a hex UUID without dashes.
func NewSignerWithIdentity(deviceUUID, sessionID string) (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}

	// 32-byte big-endian coordinates, base64url without padding.
	xBytes := key.PublicKey.X.FillBytes(make([]byte, 32))
	yBytes := key.PublicKey.Y.FillBytes(make([]byte, 32))

	return &Signer{
		key:        key,
		xB64:       base64.RawURLEncoding.EncodeToString(xBytes),
		yB64:       base64.RawURLEncoding.EncodeToString(yBytes),
		deviceUUID: deviceUUID,
		sessionID:  sessionID,
		createdAt:  time.Now(),
	}, nil
}

// DeviceUUID returns the device identifier bound to this keypair.
func (s *Signer) DeviceUUID() string { return s.deviceUUID }

// SessionID returns the search session identifier bound to this keypair.
func (s *Signer) SessionID() string { return s.sessionID }

// Age returns how long ago the keypair was generated.
func (s *Signer) Age() time.Duration { return time.Since(s.createdAt) }

// Credentials returns the public credential set for this signer.
func (s *Signer) Credentials() Credentials {
	return Credentials{
		X:          s.xB64,
		Y:          s.yB64,
		DeviceUUID: s.deviceUUID,
		SessionID:  s.sessionID,
		CreatedAt:  s.createdAt,
	}
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwtHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	JWK jwk    `json:"jwk"`
}

type jwtPayload struct {
	Iat  int64  `json:"iat"`
	Jti  string `json:"jti"`
	Htu  string `json:"htu"`
	Htm  string `json:"htm"`
	UUID string `json:"uuid"`
}

// Sign emits a compact DPoP JWT bound to the given method and URL. Every call
// produces a distinct jti and a fresh iat so tokens cannot be replayed.
//
// The signature is the raw r||s concatenation (32 bytes each, big-endian), not
// the DER encoding Go's crypto produces by default.
func (s *Signer) Sign(method, url string) (string, error) {
	header, err := json.Marshal(jwtHeader{
		Typ: "dpop+jwt",
		Alg: "ES256",
		JWK: jwk{Kty: "EC", Crv: "P-256", X: s.xB64, Y: s.yB64},
	})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}

	payload, err := json.Marshal(jwtPayload{
		Iat:  time.Now().Unix(),
		Jti:  uuid.NewString(),
		Htu:  url,
		Htm:  method,
		UUID: s.deviceUUID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload)

	digest := sha256.Sum256([]byte(signingInput))
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// PublicKey exposes the public key for verification in tests.
func (s *Signer) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }
