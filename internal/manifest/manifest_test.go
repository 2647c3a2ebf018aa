package manifest

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sshkeyauth/internal/crypto"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/testkeys"
	"golang.org/x/crypto/ssh"
)

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := testkeys.WriteFile(t, dir, "identities.yaml", `
private_keys:
  - path: keys/deploy
  - path: /abs/key
public_keys:
  - path: keys/ops.pub
public_key_data:
  - "ssh-ed25519 AAAA ops@example"
hosts:
  - build01
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(m.PrivateKeys) != 2 || len(m.PublicKeys) != 1 || len(m.PublicKeyData) != 1 || len(m.Hosts) != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if got := m.resolve(m.PrivateKeys[0].Path); got != filepath.Join(dir, "keys", "deploy") {
		t.Errorf("relative path: got %q", got)
	}
	if got := m.resolve(m.PrivateKeys[1].Path); got != "/abs/key" {
		t.Errorf("absolute path: got %q", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := testkeys.WriteFile(t, t.TempDir(), "bad.yaml", "private_keys: [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.yaml")
	m := &Manifest{Hosts: []string{"build01"}}
	m.AddPrivateKey("keys/a", "tok1")
	m.AddPrivateKey("keys/a", "tok2")
	m.AddPrivateKey("keys/b", "")

	if err := m.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded.PrivateKeys) != 2 {
		t.Fatalf("expected 2 private keys, got %d", len(loaded.PrivateKeys))
	}
	if loaded.PrivateKeys[0].Passphrase != "tok2" {
		t.Errorf("passphrase should be replaced, got %q", loaded.PrivateKeys[0].Passphrase)
	}
	if loaded.Hosts[0] != "build01" {
		t.Errorf("hosts: got %v", loaded.Hosts)
	}
}

func TestApplyToSigner_EncryptedPassphrase(t *testing.T) {
	dir := t.TempDir()
	key := crypto.GenerateKey()
	enc := testkeys.Ed25519(t, "encrypted")
	plain := testkeys.Ed25519(t, "plain")
	enc.WriteFiles(t, dir, "enc", []byte("testing"))
	plain.WriteFiles(t, dir, "plain", nil)

	tok, err := crypto.EncryptPassphrase(key, []byte("testing"))
	if err != nil {
		t.Fatalf("EncryptPassphrase() error: %v", err)
	}
	m := &Manifest{dir: dir}
	m.AddPrivateKey("enc", tok)
	m.AddPrivateKey("plain", "")
	m.AddPrivateKey("missing", "")

	s := keyauth.NewSigner(keyauth.SignerConfig{DisableAgent: true})
	defer s.Close()
	err = m.ApplyToSigner(s, key)
	var loadErr *identity.KeyLoadError
	if !errors.As(err, &loadErr) {
		t.Errorf("expected the missing key's error, got %v", err)
	}
	ids := s.SigningIdentities()
	if len(ids) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(ids))
	}
	if ids[0].Comment() != "encrypted" || ids[1].Comment() != "plain" {
		t.Errorf("order: got %s, %s", ids[0].Comment(), ids[1].Comment())
	}
}

func TestApplyToSigner_BadToken(t *testing.T) {
	dir := t.TempDir()
	testkeys.Ed25519(t, "").WriteFiles(t, dir, "k", []byte("testing"))
	m := &Manifest{dir: dir}
	m.AddPrivateKey("k", "not-a-token")

	s := keyauth.NewSigner(keyauth.SignerConfig{DisableAgent: true})
	defer s.Close()
	if err := m.ApplyToSigner(s, crypto.GenerateKey()); !errors.Is(err, crypto.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestApplyToVerifier(t *testing.T) {
	dir := t.TempDir()
	filePair := testkeys.Ed25519(t, "file")
	dataPair := testkeys.Ed25519(t, "data")
	hostPair := testkeys.Ed25519(t, "")
	filePair.WriteFiles(t, dir, "file", nil)
	knownHosts := testkeys.WriteFile(t, dir, "known_hosts",
		"build01 "+strings.TrimSpace(string(ssh.MarshalAuthorizedKey(hostPair.Signer.PublicKey())))+"\n")

	m := &Manifest{
		dir:           dir,
		PublicKeys:    []PublicKey{{Path: "file.pub"}},
		PublicKeyData: []string{dataPair.AuthorizedKey},
		Hosts:         []string{"build01", "unknown"},
	}
	v := keyauth.NewVerifier(keyauth.VerifierConfig{
		Account:               "tester",
		DisableAgent:          true,
		DisableAuthorizedKeys: true,
		KnownHostsPath:        knownHosts,
	})
	defer v.Close()

	err := m.ApplyToVerifier(v)
	if !errors.Is(err, keyauth.ErrHostKeyNotFound) {
		t.Errorf("expected ErrHostKeyNotFound for unknown host, got %v", err)
	}
	ids := v.VerifyingIdentities()
	if len(ids) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(ids))
	}
	if ids[0].Comment() != "file" || ids[1].Comment() != "data" || ids[2].Source() != identity.SourceKnownHosts {
		t.Errorf("unexpected identities: %s, %s, %s", ids[0].Comment(), ids[1].Comment(), ids[2].Source())
	}
}
