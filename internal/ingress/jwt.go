package ingress

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken is returned for any Bearer token that fails structural,
// signature, or claims validation.
var ErrInvalidToken = errors.New("ingress: invalid bearer token")

// Claims is the subset of JWT claims the native protocol path relies on.
type Claims struct {
	Subject   string `json:"sub"`
	TenantID  string `json:"tenant_id"`
	ExpiresAt int64  `json:"exp"`
}

// TokenVerifier verifies RS256-signed Bearer tokens against a fixed public
// key (§4.C's native-protocol upgrade policy).
//
// No JWT library in the retrieved pack has a concrete usage sample (the one
// reference, golang-jwt, appears only in an unrelated repo's go.mod listing
// with no accompanying source), so per "never fabricate dependencies" this
// narrow, well-bounded piece — decode two base64url segments, verify one
// RSASSA-PKCS1-v1_5/SHA-256 signature — is implemented directly on
// crypto/rsa and crypto/x509 rather than on an ungrounded dependency.
type TokenVerifier struct {
	publicKey *rsa.PublicKey
}

// NewTokenVerifier parses a PEM-encoded RSA public key (PKIX or PKCS1) and
// returns a TokenVerifier bound to it.
func NewTokenVerifier(pemBytes []byte) (*TokenVerifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("ingress: no PEM block found in public key")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("ingress: public key is not RSA")
		}
		return &TokenVerifier{publicKey: rsaKey}, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ingress: parse RSA public key: %w", err)
	}
	return &TokenVerifier{publicKey: rsaKey}, nil
}

// Verify checks a compact JWT's structure, RS256 signature, and expiry, and
// returns its claims on success.
func (v *TokenVerifier) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	header, err := decodeSegment(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &hdr); err != nil {
		return Claims{}, fmt.Errorf("%w: header json: %v", ErrInvalidToken, err)
	}
	if hdr.Alg != "RS256" {
		return Claims{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidToken, hdr.Alg)
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: claims json: %v", ErrInvalidToken, err)
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}

	signingInput := parts[0] + "." + parts[1]
	digest := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return Claims{}, fmt.Errorf("%w: signature verification: %v", ErrInvalidToken, err)
	}

	if claims.ExpiresAt != 0 && time.Now().Unix() >= claims.ExpiresAt {
		return Claims{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	return claims, nil
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(seg)
}
