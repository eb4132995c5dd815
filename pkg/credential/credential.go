// Package credential implements signed verifiable credentials: issuance
// over a canonical JSON payload, detached Ed25519 signature verification,
// and expiry checks. Credentials are immutable once issued; gossip only
// ever replicates them, never mutates them.
package credential

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warrenswarm/pkg/identity"
	"github.com/cuemby/warrenswarm/pkg/types"
)

// canonicalPayload is the exact structure signed and later re-derived for
// verification. Claims are re-marshalled through a sorted-key map so two
// equal claim sets always produce byte-identical JSON regardless of the
// iteration order the caller built them in.
type canonicalPayload struct {
	IssuerDID  string            `json:"issuer_did"`
	SubjectDID string            `json:"subject_did"`
	Type       string            `json:"type"`
	Claims     map[string]string `json:"claims"`
	IssuedAt   int64             `json:"issued_at"`
	ExpiresAt  int64             `json:"expires_at"`
}

func canonicalBytes(issuerDID, subjectDID, credType string, claims map[string]string, issuedAt, expiresAt time.Time) ([]byte, error) {
	sortedClaims := make(map[string]string, len(claims))
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sortedClaims[k] = claims[k]
	}

	p := canonicalPayload{
		IssuerDID:  issuerDID,
		SubjectDID: subjectDID,
		Type:       credType,
		Claims:     sortedClaims,
		IssuedAt:   issuedAt.UTC().Unix(),
		ExpiresAt:  expiresAt.UTC().Unix(),
	}
	// encoding/json sorts map keys itself, but we pre-sort above too so the
	// intent is explicit and survives a future encoder swap.
	return json.Marshal(p)
}

// Issue signs a new credential with the issuer's identity handle. TTL
// defines how long the credential remains valid from now.
func Issue(handle *identity.Handle, issuerDID, subjectDID, credType string, claims map[string]string, ttl time.Duration) (*types.Credential, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	payload, err := canonicalBytes(issuerDID, subjectDID, credType, claims, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("credential: canonicalize: %w", err)
	}

	sig := handle.Sign(payload)

	return &types.Credential{
		ID:         uuid.NewString(),
		IssuerDID:  issuerDID,
		SubjectDID: subjectDID,
		Type:       credType,
		Claims:     claims,
		Signature:  hex.EncodeToString(sig),
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}, nil
}

// Verify checks a credential's detached signature against the issuer's
// known Ed25519 public key. It does not check expiry; call
// types.Credential.Expired separately, since an expired-but-validly-signed
// credential is a meaningfully different failure than a forged one.
func Verify(c *types.Credential, issuerPublicKey ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false
	}

	payload, err := canonicalBytes(c.IssuerDID, c.SubjectDID, c.Type, c.Claims, c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return false
	}

	return ed25519.Verify(issuerPublicKey, payload, sig)
}

// DecodePublicKey parses a hex-encoded Ed25519 public key as stored in
// types.Identity.PublicKey.
func DecodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential: decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("credential: public key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
