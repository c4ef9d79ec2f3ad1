package sshauth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func ed25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func rsaSigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// signNonce signs nonce the way a real SSHSIG-capable signer does: over the
// SSHSIG-wrapped blob (magic preamble + namespace + reserved + hash
// algorithm + digest), not over the raw nonce bytes.
func signNonce(t *testing.T, signer ssh.Signer, nonce string) *ssh.Signature {
	t.Helper()
	wrapped := sshsigWrappedMessage(Namespace, nonce)
	sig, err := signer.Sign(rand.Reader, wrapped)
	require.NoError(t, err)
	return sig
}

// signRawNonce signs the raw nonce bytes directly, bypassing the SSHSIG
// wire format entirely — used to prove verifySignature rejects the
// non-namespaced scheme it used to accept.
func signRawNonce(t *testing.T, signer ssh.Signer, nonce string) *ssh.Signature {
	t.Helper()
	sig, err := signer.Sign(rand.Reader, []byte(nonce))
	require.NoError(t, err)
	return sig
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		signer func(*testing.T) ssh.Signer
	}{
		{"ed25519", ed25519Signer},
		{"rsa", rsaSigner},
	} {
		t.Run(tc.name, func(t *testing.T) {
			signer := tc.signer(t)
			nonce := uuid.NewString()
			sig := signNonce(t, signer, nonce)

			err := verifySignature(signer.PublicKey(), nonce, sig.Blob)
			require.NoError(t, err)
		})
	}
}

func TestVerifySignatureRejectsTamperedSignature(t *testing.T) {
	signer := ed25519Signer(t)
	nonce := uuid.NewString()
	sig := signNonce(t, signer, nonce)

	tampered := append([]byte{}, sig.Blob...)
	tampered[0] ^= 0xFF

	err := verifySignature(signer.PublicKey(), nonce, tampered)
	require.Error(t, err)
}

func TestVerifySignatureRejectsTamperedNonce(t *testing.T) {
	signer := ed25519Signer(t)
	nonce := uuid.NewString()
	sig := signNonce(t, signer, nonce)

	err := verifySignature(signer.PublicKey(), nonce+"x", sig.Blob)
	require.Error(t, err)
}

func TestVerifySignatureRejectsNonNamespacedSignature(t *testing.T) {
	signer := ed25519Signer(t)
	nonce := uuid.NewString()
	sig := signRawNonce(t, signer, nonce)

	err := verifySignature(signer.PublicKey(), nonce, sig.Blob)
	require.Error(t, err)
}

func TestSshsigWrappedMessageMatchesWireFormat(t *testing.T) {
	wrapped := sshsigWrappedMessage("dosei-ssh", "hello")

	require.True(t, bytes.HasPrefix(wrapped, []byte(sshsigMagicPreamble)))

	digest := sha256.Sum256([]byte("hello"))
	var want bytes.Buffer
	want.WriteString(sshsigMagicPreamble)
	writeSSHString(&want, []byte("dosei-ssh"))
	writeSSHString(&want, nil)
	writeSSHString(&want, []byte(sshsigHashAlg))
	writeSSHString(&want, digest[:])

	require.Equal(t, want.Bytes(), wrapped)
}

func TestVerifySignatureRejectsWrongKey(t *testing.T) {
	signer := ed25519Signer(t)
	other := ed25519Signer(t)
	nonce := uuid.NewString()
	sig := signNonce(t, signer, nonce)

	err := verifySignature(other.PublicKey(), nonce, sig.Blob)
	require.Error(t, err)
}

func TestDecodePayloadRejectsMalformedBase64(t *testing.T) {
	_, err := DecodePayload("not-valid-base64!!!")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestDecodePayloadRejectsIncompletePayload(t *testing.T) {
	raw, _ := json.Marshal(Payload{Namespace: Namespace})
	encoded := base64.StdEncoding.EncodeToString(raw)

	_, err := DecodePayload(encoded)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	signer := ed25519Signer(t)
	nonce := uuid.NewString()
	sig := signNonce(t, signer, nonce)

	p := Payload{
		Namespace:      Namespace,
		Nonce:          nonce,
		KeyFingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		Signature:      sig.Blob,
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(raw)

	got, err := DecodePayload(encoded)
	require.NoError(t, err)
	require.Equal(t, p.Nonce, got.Nonce)
	require.Equal(t, p.KeyFingerprint, got.KeyFingerprint)
	require.Equal(t, p.Signature, got.Signature)
}

func TestFingerprint(t *testing.T) {
	signer := ed25519Signer(t)
	authorizedKey := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	fp, err := Fingerprint(authorizedKey)
	require.NoError(t, err)
	require.Equal(t, ssh.FingerprintSHA256(signer.PublicKey()), fp)
}

func TestFingerprintRejectsInvalidKey(t *testing.T) {
	_, err := Fingerprint("not an ssh key")
	require.Error(t, err)
}
