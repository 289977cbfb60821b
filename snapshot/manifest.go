package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dealledger/listing"
)

// ErrDigestMismatch signals a manifest that does not describe the given snapshot.
var ErrDigestMismatch = errors.New("snapshot: manifest digest mismatch")

// Manifest is the signed summary of one JSON snapshot.
type Manifest struct {
	SHA256        string
	ListingsCount int
	GeneratedAt   string
}

// Signer signs snapshot manifests with HS256 so consumers can check an export is untouched.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("snapshot: empty signing key")
	}
	return &Signer{secret: []byte(secret)}, nil
}

func digest(snapshotJSON []byte) string {
	sum := sha256.Sum256(snapshotJSON)
	return hex.EncodeToString(sum[:])
}

// Sign returns a token over the snapshot digest and count.
func (s *Signer) Sign(snapshotJSON []byte, listingsCount int, generatedAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sha256":         digest(snapshotJSON),
		"listings_count": listingsCount,
		"generated_at":   listing.FormatTime(generatedAt),
		"iat":            generatedAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("snapshot: sign manifest: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and that it describes snapshotJSON.
func (s *Signer) Verify(tokenString string, snapshotJSON []byte) (Manifest, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: parse manifest: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Manifest{}, errors.New("snapshot: invalid manifest")
	}
	var m Manifest
	if m.SHA256, ok = claims["sha256"].(string); !ok {
		return Manifest{}, errors.New("snapshot: manifest has no digest")
	}
	if count, ok := claims["listings_count"].(float64); ok {
		m.ListingsCount = int(count)
	}
	m.GeneratedAt, _ = claims["generated_at"].(string)

	if m.SHA256 != digest(snapshotJSON) {
		return Manifest{}, ErrDigestMismatch
	}
	return m, nil
}
