// Package sshauth verifies SSH-signature bearer tokens (spec.md §4.2).
//
// A bearer token is base64(JSON({namespace, nonce, key_fingerprint,
// signature})). Verification resolves the fingerprint to a stored public
// key, rebuilds the SSH signature structure and checks it against the
// nonce under the fixed namespace. No replay cache is kept — a fresh nonce
// is expected per request.
package sshauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/doseidotio/doseid/internal/store"
)

// Namespace is the fixed signing namespace for doseid SSH bearer tokens.
const Namespace = "dosei-ssh"

// sshsigMagicPreamble and sshsigHashAlg implement the SSHSIG wire format
// (OpenSSH PROTOCOL.sshsig): signatures are computed not over the raw
// message but over MAGIC_PREAMBLE + namespace + reserved + hash_algorithm +
// H(message). Any SSH key that supports `ssh-keygen -Y sign`/`-Y verify`
// (and the dosei CLI) produces signatures in this form.
const (
	sshsigMagicPreamble = "SSHSIG"
	sshsigHashAlg       = "sha256"
)

// sshsigWrappedMessage builds the blob that is actually signed/verified for
// a namespaced SSHSIG signature over message.
func sshsigWrappedMessage(namespace, message string) []byte {
	digest := sha256.Sum256([]byte(message))

	var buf bytes.Buffer
	buf.WriteString(sshsigMagicPreamble)
	writeSSHString(&buf, []byte(namespace))
	writeSSHString(&buf, nil) // reserved
	writeSSHString(&buf, []byte(sshsigHashAlg))
	writeSSHString(&buf, digest[:])
	return buf.Bytes()
}

// writeSSHString appends s to buf in SSH wire format: a 4-byte big-endian
// length prefix followed by the raw bytes.
func writeSSHString(buf *bytes.Buffer, s []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	buf.Write(length[:])
	buf.Write(s)
}

// ErrUnauthenticated is returned for any malformed payload, unknown
// fingerprint, algorithm mismatch, or failed signature (spec.md §4.2).
var ErrUnauthenticated = errors.New("sshauth: unauthenticated")

// Payload is the decoded shape of an SSH bearer token.
type Payload struct {
	Namespace      string `json:"namespace"`
	Nonce          string `json:"nonce"`
	KeyFingerprint string `json:"key_fingerprint"`
	Signature      []byte `json:"signature"`
}

// Verifier resolves SSH bearer tokens to accounts.
type Verifier struct {
	store *store.Store
}

// New creates a Verifier backed by the given store.
func New(s *store.Store) *Verifier {
	return &Verifier{store: s}
}

// DecodePayload base64-decodes and parses a bearer token's payload.
func DecodePayload(encoded string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrUnauthenticated, err)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrUnauthenticated, err)
	}
	if p.Namespace == "" || p.Nonce == "" || p.KeyFingerprint == "" || len(p.Signature) == 0 {
		return nil, fmt.Errorf("%w: incomplete payload", ErrUnauthenticated)
	}
	return &p, nil
}

// Verify decodes encoded, looks up the signer's public key by fingerprint,
// and checks the signature over the nonce. On success it returns the
// account that owns the key.
func (v *Verifier) Verify(ctx context.Context, encoded string) (*store.Account, error) {
	payload, err := DecodePayload(encoded)
	if err != nil {
		return nil, err
	}

	if payload.Namespace != Namespace {
		return nil, fmt.Errorf("%w: unexpected namespace %q", ErrUnauthenticated, payload.Namespace)
	}

	key, err := v.store.GetAccountSSHKeyByFingerprint(ctx, payload.KeyFingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown key fingerprint", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("looking up ssh key: %w", err)
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: stored public key is invalid: %v", ErrUnauthenticated, err)
	}

	if err := verifySignature(pubKey, payload.Nonce, payload.Signature); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrUnauthenticated)
	}

	account, err := v.store.GetAccountByID(ctx, key.AccountID)
	if err != nil {
		return nil, fmt.Errorf("looking up account for ssh key: %w", err)
	}
	return account, nil
}

// verifySignature reconstructs the SSH signature structure from the raw
// signature bytes using the public key's own algorithm and checks it
// against the SSHSIG-wrapped nonce (namespace + reserved + hash algorithm +
// digest), not the raw nonce bytes — matching how any SSHSIG-capable
// signer (`ssh-keygen -Y sign`, the dosei CLI) actually produces the
// signature. Kept separate from Verify so it can be exercised without a
// Store (spec.md §8 invariant 4).
func verifySignature(pubKey ssh.PublicKey, nonce string, signature []byte) error {
	sig := &ssh.Signature{
		Format: pubKey.Type(),
		Blob:   signature,
	}
	wrapped := sshsigWrappedMessage(Namespace, nonce)
	return pubKey.Verify(wrapped, sig)
}

// Fingerprint returns the default-hash fingerprint (SHA256, OpenSSH default)
// of an OpenSSH-formatted public key.
func Fingerprint(publicKey string) (string, error) {
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}
	return ssh.FingerprintSHA256(pubKey), nil
}
