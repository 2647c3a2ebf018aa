// Package manifest loads the list of identities a signer or verifier should
// use from a YAML file.
//
//	private_keys:
//	  - path: keys/deploy_ed25519
//	    passphrase: gAAAAAB...   # fernet token
//	public_keys:
//	  - path: keys/ops.pub
//	public_key_data:
//	  - "ssh-ed25519 AAAA... ops@example"
//	hosts:
//	  - build01.example.com
//
// Relative paths are resolved against the manifest's directory.
package manifest

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/sshkeyauth/internal/crypto"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"gopkg.in/yaml.v3"
)

type PrivateKey struct {
	Path string `yaml:"path"`
	// Passphrase is a fernet token; see crypto.EncryptPassphrase.
	Passphrase string `yaml:"passphrase,omitempty"`
}

type PublicKey struct {
	Path string `yaml:"path"`
}

// Manifest lists identities by source.
type Manifest struct {
	PrivateKeys   []PrivateKey `yaml:"private_keys,omitempty"`
	PublicKeys    []PublicKey  `yaml:"public_keys,omitempty"`
	PublicKeyData []string     `yaml:"public_key_data,omitempty"`
	Hosts         []string     `yaml:"hosts,omitempty"`

	dir string
}

// Load reads the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes manifest data. dir is used to resolve relative paths.
func Parse(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.dir = dir
	return &m, nil
}

// Save writes the manifest to path.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// AddPrivateKey appends a private key entry, replacing an entry with the
// same path.
func (m *Manifest) AddPrivateKey(path, passphraseToken string) {
	for i, k := range m.PrivateKeys {
		if k.Path == path {
			m.PrivateKeys[i].Passphrase = passphraseToken
			return
		}
	}
	m.PrivateKeys = append(m.PrivateKeys, PrivateKey{Path: path, Passphrase: passphraseToken})
}

func (m *Manifest) resolve(path string) string {
	if filepath.IsAbs(path) || m.dir == "" {
		return path
	}
	return filepath.Join(m.dir, path)
}

// PrivateKeyAdder is satisfied by keyauth.Signer.
type PrivateKeyAdder interface {
	AddPrivateKeyFile(path string, passphrase []byte) error
}

// PublicKeyAdder is satisfied by keyauth.Verifier.
type PublicKeyAdder interface {
	AddPublicKeyFile(path string) error
	AddPublicKeyData(data string) error
	AddKeyFromHost(host string) error
}

// ApplyToSigner adds every private key. passphraseKey decrypts the
// passphrase tokens. Entries that fail are skipped; their errors are joined.
func (m *Manifest) ApplyToSigner(s PrivateKeyAdder, passphraseKey string) error {
	var errs []error
	for _, k := range m.PrivateKeys {
		path := m.resolve(k.Path)
		passphrase, err := crypto.DecryptPassphrase(passphraseKey, k.Passphrase)
		if err != nil {
			log.Printf("[manifest] passphrase %s for %s: %v", crypto.Mask(k.Passphrase), logutil.SanitizeForLog(path), err)
			errs = append(errs, fmt.Errorf("private key %s: %w", path, err))
			continue
		}
		if err := s.AddPrivateKeyFile(path, passphrase); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyToVerifier adds every public key, key line and host key.
func (m *Manifest) ApplyToVerifier(v PublicKeyAdder) error {
	var errs []error
	for _, k := range m.PublicKeys {
		if err := v.AddPublicKeyFile(m.resolve(k.Path)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, data := range m.PublicKeyData {
		if err := v.AddPublicKeyData(data); err != nil {
			errs = append(errs, err)
		}
	}
	for _, host := range m.Hosts {
		if err := v.AddKeyFromHost(host); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
