package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	"github.com/gluk-w/sshkeyauth/internal/testkeys"
	"golang.org/x/crypto/ssh"
)

// fakeAgent signs with a local key and returns the wire blob, like an agent.
type fakeAgent struct {
	signer ssh.Signer
	blob   []byte
	err    error
	calls  int
}

func (f *fakeAgent) RequestSignature(key ssh.PublicKey, data []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.blob != nil {
		return f.blob, nil
	}
	sig, err := f.signer.Sign(rand.Reader, data)
	if err != nil {
		return nil, err
	}
	return ssh.Marshal(sig), nil
}

func TestPrivateKey_SignVerify(t *testing.T) {
	pair := testkeys.Ed25519(t, "tester@example")
	id := NewPrivateKey(pair.Signer, "tester@example", SourcePrivateKeyFile)

	sig, err := id.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if sig.Type != "ssh-ed25519" {
		t.Errorf("signature type: got %q, want ssh-ed25519", sig.Type)
	}
	if sig.Identity != id {
		t.Error("signature should carry the signing identity")
	}
	if !id.Verify([]byte("hello"), sig.SSH()) {
		t.Error("signature should verify against original message")
	}
	if id.Verify([]byte("hellobad"), sig.SSH()) {
		t.Error("signature should not verify against altered message")
	}
}

func TestPrivateKey_RSASignatureTypeMatchesKeyType(t *testing.T) {
	pair := testkeys.RSA(t, "")
	id := NewPrivateKey(pair.Signer, "", SourcePrivateKeyFile)

	sig, err := id.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if sig.Type != id.PublicKey().Type() {
		t.Errorf("signature type %q should equal key type %q", sig.Type, id.PublicKey().Type())
	}
}

func TestPublicKey_CannotSign(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewPublicKey(pair.Signer.PublicKey(), "", SourcePublicKeyData)

	_, err := id.Sign([]byte("hello"))
	if !errors.Is(err, ErrCannotSign) {
		t.Errorf("expected ErrCannotSign, got %v", err)
	}
}

func TestPublicKey_VerifyNil(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewPublicKey(pair.Signer.PublicKey(), "", SourcePublicKeyData)
	if id.Verify([]byte("hello"), nil) {
		t.Error("nil signature must not verify")
	}
}

func TestPublicKey_VerifiesOtherKeysSignatureFalse(t *testing.T) {
	a := testkeys.Ed25519(t, "")
	b := testkeys.Ed25519(t, "")
	sig, err := NewPrivateKey(a.Signer, "", SourcePrivateKeyFile).Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if NewPublicKey(b.Signer.PublicKey(), "", SourcePublicKeyData).Verify([]byte("hello"), sig.SSH()) {
		t.Error("signature by key A must not verify with key B")
	}
}

func TestAgentKey_SignDecodesBlob(t *testing.T) {
	pair := testkeys.Ed25519(t, "agent-key")
	agent := &fakeAgent{signer: pair.Signer}
	id := NewAgentKey(pair.Signer.PublicKey(), "agent-key", agent)

	sig, err := id.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if agent.calls != 1 {
		t.Errorf("expected 1 agent call, got %d", agent.calls)
	}
	if sig.Identity != id {
		t.Error("signature should carry the agent identity")
	}
	if id.Source() != SourceAgent {
		t.Errorf("source: got %q, want %q", id.Source(), SourceAgent)
	}
	if !id.Verify([]byte("hello"), sig.SSH()) {
		t.Error("agent signature should verify locally")
	}
}

func TestAgentKey_MalformedBlob(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewAgentKey(pair.Signer.PublicKey(), "", &fakeAgent{blob: []byte{0, 0, 0, 50, 'x'}})

	_, err := id.Sign([]byte("hello"))
	if !errors.Is(err, sshsig.ErrMalformedSignature) {
		t.Errorf("expected ErrMalformedSignature, got %v", err)
	}
}

func TestAgentKey_AgentError(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	cause := errors.New("agent refused operation")
	id := NewAgentKey(pair.Signer.PublicKey(), "", &fakeAgent{err: cause})

	_, err := id.Sign([]byte("hello"))
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped agent error, got %v", err)
	}
}

func TestSetComment(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewPublicKey(pair.Signer.PublicKey(), "", SourceAuthorizedKeys)
	id.SetComment("user@host")
	if id.Comment() != "user@host" {
		t.Errorf("comment: got %q, want user@host", id.Comment())
	}
}

func TestSetComment_Concurrent(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewPublicKey(pair.Signer.PublicKey(), "initial", SourceKnownHosts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id.SetComment(fmt.Sprintf("label-%d", i))
		}(i)
		go func() {
			defer wg.Done()
			_ = id.String()
			_ = id.Comment()
		}()
	}
	wg.Wait()
	if !strings.HasPrefix(id.Comment(), "label-") {
		t.Errorf("comment: got %q", id.Comment())
	}
}

func TestFingerprint(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewPublicKey(pair.Signer.PublicKey(), "", SourcePublicKeyData)
	if !strings.HasPrefix(id.Fingerprint(), "SHA256:") {
		t.Errorf("fingerprint should start with SHA256:, got %q", id.Fingerprint())
	}
	if id.Fingerprint() != ssh.FingerprintSHA256(pair.Signer.PublicKey()) {
		t.Error("fingerprint should match ssh.FingerprintSHA256")
	}
}

func TestString(t *testing.T) {
	pair := testkeys.Ed25519(t, "")
	id := NewPublicKey(pair.Signer.PublicKey(), "ops@example", SourceKnownHosts)
	s := id.String()
	for _, want := range []string{"ssh-ed25519", "ops@example", "known-hosts"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
