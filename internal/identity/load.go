package identity

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ErrPassphraseRequired is wrapped when an encrypted private key is loaded
// without a passphrase.
var ErrPassphraseRequired = errors.New("passphrase required")

// KeyLoadError is returned when a key file or key data cannot be read or
// parsed.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load key: %v", e.Err)
	}
	return fmt.Sprintf("load key %s: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error {
	return e.Err
}

// ParsePrivateKey parses a PEM or OpenSSH private key. passphrase is only
// used when the key turns out to be encrypted.
func ParsePrivateKey(data, passphrase []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("parse private key: %w", ErrPassphraseRequired)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("parse encrypted private key: %w", err)
	}
	return signer, nil
}

// IsEncryptedPrivateKey reports whether data is a private key that needs a
// passphrase.
func IsEncryptedPrivateKey(data []byte) bool {
	_, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

// LoadPrivateKeyFile reads a private key. The comment is taken from a
// matching path+".pub" when one exists, otherwise it is the path.
func LoadPrivateKeyFile(path string, passphrase []byte) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	signer, err := ParsePrivateKey(data, passphrase)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	comment := path
	if pub, err := LoadPublicKeyFile(path + ".pub"); err == nil && pub.Comment() != "" &&
		bytes.Equal(pub.PublicKey().Marshal(), signer.PublicKey().Marshal()) {
		comment = pub.Comment()
	}
	return NewPrivateKey(signer, comment, SourcePrivateKeyFile), nil
}

// LoadPublicKeyFile reads a public key in authorized_keys format
// ("type base64 [comment]").
func LoadPublicKeyFile(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("parse public key: %w", err)}
	}
	return NewPublicKey(pub, comment, SourcePublicKeyFile), nil
}

// ParsePublicKeyData parses a single public key line.
func ParsePublicKeyData(data string) (*PublicKey, error) {
	if len(bytes.TrimSpace([]byte(data))) == 0 {
		return nil, &KeyLoadError{Err: errors.New("public key data is empty")}
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(data))
	if err != nil {
		return nil, &KeyLoadError{Err: fmt.Errorf("parse public key: %w", err)}
	}
	return NewPublicKey(pub, comment, SourcePublicKeyData), nil
}
