package transfer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDigestReader(t *testing.T) {
	sum, err := DigestReader(strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)

	fileSum, err := DigestFile(writeTemp(t, "abc"))
	require.NoError(t, err)
	require.Equal(t, sum, fileSum)
}

func TestVerifyUnsignedDescriptor(t *testing.T) {
	path := writeTemp(t, "function body")
	desc, err := BuildDescriptor(strings.NewReader("function body"), "")
	require.NoError(t, err)
	require.NotContains(t, desc, AlgSHA256WithSignature)

	v := NewVerifier(nil)
	require.NoError(t, v.Verify(path, desc, false))
	require.ErrorIs(t, v.Verify(path, desc, true), ErrSignatureMissing)

	tampered := Descriptor{AlgSHA256: strings.Repeat("0", 64)}
	require.ErrorIs(t, v.Verify(path, tampered, false), ErrChecksumMismatch)
}

func TestVerifySignedDescriptor(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := writeTemp(t, "#!/bin/sh\necho ok\n")
	sum, err := DigestFile(path)
	require.NoError(t, err)
	sig, err := Sign(key, sum)
	require.NoError(t, err)

	desc, err := BuildDescriptor(strings.NewReader("#!/bin/sh\necho ok\n"), sig)
	require.NoError(t, err)
	require.Equal(t, sum+"="+sig, desc[AlgSHA256WithSignature])

	v := NewVerifier(&key.PublicKey)
	require.NoError(t, v.Verify(path, desc, true))

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	err = NewVerifier(&other.PublicKey).Verify(path, desc, true)
	require.True(t, errors.Is(err, ErrSignatureInvalid), "expected ErrSignatureInvalid, got %v", err)

	// A signed entry over a different digest must not pass.
	forged := Descriptor{AlgSHA256WithSignature: strings.Repeat("a", 64) + "=" + sig}
	require.ErrorIs(t, v.Verify(path, forged, true), ErrChecksumMismatch)
}

func TestLoadVerifierFromPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "public.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0644))

	v, err := LoadVerifier(path)
	require.NoError(t, err)
	require.Zero(t, key.PublicKey.N.Cmp(v.key.N))

	_, err = ParsePublicKey([]byte("not pem"))
	require.Error(t, err)
}
