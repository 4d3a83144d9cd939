package transfer

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Checksum algorithm names used as descriptor keys.
const (
	AlgSHA256              = "SHA256"
	AlgSHA256WithSignature = "SHA256WithSignature"
)

var (
	// ErrChecksumMismatch is returned when a payload's digest differs from
	// the descriptor.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSignatureMissing is returned when a signature is required but the
	// descriptor has none.
	ErrSignatureMissing = errors.New("signature missing")

	// ErrSignatureInvalid is returned when a signature does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Descriptor maps an algorithm name to its value.
type Descriptor map[string]string

// DigestReader returns the hex SHA256 of everything read from r.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the hex SHA256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return DigestReader(f)
}

// BuildDescriptor digests r. A non-empty base64 signature adds the
// SHA256WithSignature entry.
func BuildDescriptor(r io.Reader, signature string) (Descriptor, error) {
	sum, err := DigestReader(r)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	d := Descriptor{AlgSHA256: sum}
	if signature != "" {
		d[AlgSHA256WithSignature] = sum + "=" + signature
	}
	return d, nil
}

// Sign returns the base64 PKCS#1 v1.5 signature over a hex digest.
func Sign(key *rsa.PrivateKey, hexDigest string) (string, error) {
	hash := sha256.Sum256([]byte(hexDigest))
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verifier checks downloaded payloads against a checksum descriptor.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier creates a verifier. key may be nil when signatures are never
// required.
func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// LoadVerifier reads a PEM encoded RSA public key.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := ParsePublicKey(data)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key), nil
}

// ParsePublicKey decodes a PEM "PUBLIC KEY" or "RSA PUBLIC KEY" block.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

// Verify checks the file at path. When required is set the descriptor must
// carry a valid signature.
func (v *Verifier) Verify(path string, d Descriptor, required bool) error {
	sum, err := DigestFile(path)
	if err != nil {
		return fmt.Errorf("digest %s: %w", path, err)
	}

	if want, ok := d[AlgSHA256]; ok && !strings.EqualFold(want, sum) {
		return fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, want, sum)
	}

	signed, ok := d[AlgSHA256WithSignature]
	if !ok {
		if required {
			return ErrSignatureMissing
		}
		return nil
	}

	digest, sig, found := strings.Cut(signed, "=")
	if !found {
		return fmt.Errorf("%w: malformed entry", ErrSignatureInvalid)
	}
	if !strings.EqualFold(digest, sum) {
		return fmt.Errorf("%w: signed digest %s, got %s", ErrChecksumMismatch, digest, sum)
	}
	if v == nil || v.key == nil {
		if required {
			return fmt.Errorf("%w: no public key configured", ErrSignatureInvalid)
		}
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	hash := sha256.Sum256([]byte(digest))
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, hash[:], raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
