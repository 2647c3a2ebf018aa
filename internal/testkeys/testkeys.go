// Package testkeys generates throwaway key pairs and key files for tests.
package testkeys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Pair is a generated key pair in the forms tests need.
type Pair struct {
	Key    crypto.PrivateKey
	Signer ssh.Signer
	// AuthorizedKey is "type base64 comment" with no trailing newline.
	AuthorizedKey string
	Comment       string
}

// Blob returns the base64 key blob from the authorized_keys line.
func (p Pair) Blob() string {
	return strings.Fields(p.AuthorizedKey)[1]
}

// Ed25519 generates an ed25519 pair.
func Ed25519(t testing.TB, comment string) Pair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return newPair(t, priv, comment)
}

// RSA generates a 2048-bit RSA pair.
func RSA(t testing.TB, comment string) Pair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return newPair(t, priv, comment)
}

func newPair(t testing.TB, key crypto.PrivateKey, comment string) Pair {
	t.Helper()
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if comment != "" {
		line += " " + comment
	}
	return Pair{Key: key, Signer: signer, AuthorizedKey: line, Comment: comment}
}

// PrivatePEM returns the private key in OpenSSH format, encrypted when
// passphrase is non-empty.
func (p Pair) PrivatePEM(t testing.TB, passphrase []byte) []byte {
	t.Helper()
	var (
		block *pem.Block
		err   error
	)
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(p.Key, p.Comment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(p.Key, p.Comment)
	}
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return pem.EncodeToMemory(block)
}

// WriteFiles writes dir/name (0600) and dir/name.pub and returns both paths.
func (p Pair) WriteFiles(t testing.TB, dir, name string, passphrase []byte) (privPath, pubPath string) {
	t.Helper()
	privPath = filepath.Join(dir, name)
	pubPath = privPath + ".pub"
	if err := os.WriteFile(privPath, p.PrivatePEM(t, passphrase), 0600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	if err := os.WriteFile(pubPath, []byte(p.AuthorizedKey+"\n"), 0644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privPath, pubPath
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
