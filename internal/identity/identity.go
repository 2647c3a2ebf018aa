// Package identity models the keys that can sign or verify a message.
//
// An Identity is one of three variants:
//
//   - [PrivateKey]: a key loaded from a private key file; signs locally.
//   - [PublicKey]: a key from a .pub file, inline data, authorized_keys or
//     known_hosts; can only verify.
//   - [AgentKey]: a key held by an ssh-agent; signing is a round trip to the
//     agent and the returned blob is decoded with [sshsig.Decode].
//
// Verification is always local, against the identity's public key.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	"golang.org/x/crypto/ssh"
)

// ErrCannotSign is returned by PublicKey.Sign.
var ErrCannotSign = errors.New("identity holds no private key")

// Source records where an identity came from.
type Source string

const (
	SourceAgent          Source = "agent"
	SourcePrivateKeyFile Source = "private-key-file"
	SourcePublicKeyFile  Source = "public-key-file"
	SourcePublicKeyData  Source = "public-key-data"
	SourceAuthorizedKeys Source = "authorized-keys"
	SourceKnownHosts     Source = "known-hosts"
)

// SupportedKeyTypes are the key types accepted from authorized_keys and
// known_hosts files.
var SupportedKeyTypes = []string{
	ssh.KeyAlgoRSA,
	"ssh-dss",
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoSKED25519,
	ssh.KeyAlgoSKECDSA256,
}

// IsSupportedKeyType reports whether t is in SupportedKeyTypes.
func IsSupportedKeyType(t string) bool {
	return slices.Contains(SupportedKeyTypes, t)
}

// Identity is a key usable for signing, verification, or both.
type Identity interface {
	PublicKey() ssh.PublicKey
	Comment() string
	// SetComment attaches a label. Safe to call on a shared identity.
	SetComment(string)
	Source() Source
	Fingerprint() string
	Sign(message []byte) (sshsig.Signature, error)
	// Verify reports whether sig is a valid signature of message by this key.
	Verify(message []byte, sig *ssh.Signature) bool

	isIdentity()
}

type base struct {
	pub    ssh.PublicKey
	source Source

	// Parsed keys are shared through the known_hosts cache.
	mu      sync.RWMutex
	comment string
}

func (b *base) PublicKey() ssh.PublicKey { return b.pub }
func (b *base) Source() Source           { return b.source }
func (b *base) Fingerprint() string      { return ssh.FingerprintSHA256(b.pub) }
func (b *base) isIdentity()              {}

func (b *base) Comment() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.comment
}

func (b *base) SetComment(c string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comment = c
}

func (b *base) Verify(message []byte, sig *ssh.Signature) bool {
	if sig == nil {
		return false
	}
	return b.pub.Verify(message, sig) == nil
}

func (b *base) String() string {
	comment := b.Comment()
	if comment == "" {
		return fmt.Sprintf("%s %s (%s)", b.pub.Type(), b.Fingerprint(), b.source)
	}
	return fmt.Sprintf("%s %s %s (%s)", b.pub.Type(), b.Fingerprint(), comment, b.source)
}

// PrivateKey is a locally held key.
type PrivateKey struct {
	base
	signer ssh.Signer
}

// NewPrivateKey wraps an ssh.Signer.
func NewPrivateKey(signer ssh.Signer, comment string, source Source) *PrivateKey {
	return &PrivateKey{
		base:   base{pub: signer.PublicKey(), comment: comment, source: source},
		signer: signer,
	}
}

// Sign signs message with the key's default algorithm, so the signature type
// is the key type.
func (p *PrivateKey) Sign(message []byte) (sshsig.Signature, error) {
	sig, err := p.signer.Sign(rand.Reader, message)
	if err != nil {
		return sshsig.Signature{}, fmt.Errorf("sign with %s: %w", p.Fingerprint(), err)
	}
	return sshsig.FromSSH(sig, p), nil
}

// Signer exposes the underlying ssh.Signer.
func (p *PrivateKey) Signer() ssh.Signer { return p.signer }

// PublicKey is a verify-only key.
type PublicKey struct {
	base
}

// NewPublicKey wraps an ssh.PublicKey.
func NewPublicKey(pub ssh.PublicKey, comment string, source Source) *PublicKey {
	return &PublicKey{base: base{pub: pub, comment: comment, source: source}}
}

func (p *PublicKey) Sign([]byte) (sshsig.Signature, error) {
	return sshsig.Signature{}, fmt.Errorf("sign with %s: %w", p.Fingerprint(), ErrCannotSign)
}

// AgentSigner performs an agent sign request and returns the raw signature
// blob from SSH_AGENT_SIGN_RESPONSE.
type AgentSigner interface {
	RequestSignature(key ssh.PublicKey, data []byte) ([]byte, error)
}

// AgentKey is a key held by an ssh-agent.
type AgentKey struct {
	base
	agent AgentSigner
}

// NewAgentKey returns an identity whose signatures are produced by agent.
func NewAgentKey(pub ssh.PublicKey, comment string, agent AgentSigner) *AgentKey {
	return &AgentKey{
		base:  base{pub: pub, comment: comment, source: SourceAgent},
		agent: agent,
	}
}

func (a *AgentKey) Sign(message []byte) (sshsig.Signature, error) {
	blob, err := a.agent.RequestSignature(a.pub, message)
	if err != nil {
		return sshsig.Signature{}, fmt.Errorf("agent sign with %s: %w", a.Fingerprint(), err)
	}
	sig, err := sshsig.Decode(blob)
	if err != nil {
		return sshsig.Signature{}, fmt.Errorf("agent sign with %s: %w", a.Fingerprint(), err)
	}
	sig.Identity = a
	return sig, nil
}

// TrustEntry pairs a public key with the subject it was listed under: a
// hostname in known_hosts, the trailing comment in authorized_keys.
type TrustEntry struct {
	Subject string
	Key     *PublicKey
}
