// Package crypto encrypts private key passphrases for storage in an
// identity manifest.
//
// The key comes from SSHKEYAUTH_PASSPHRASE_KEY. When it is not set and an
// audit database is open, a key is generated once and kept in the settings
// table.
package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/sshkeyauth/internal/database"
)

const settingKey = "fernet_key"

// ErrNoKey is returned when no passphrase key is configured and there is no
// database to keep a generated one in.
var ErrNoKey = errors.New("no passphrase key configured")

// ErrInvalidToken is returned when a token does not decrypt with the key.
var ErrInvalidToken = errors.New("invalid passphrase token")

// GenerateKey returns a new encoded fernet key.
func GenerateKey() string {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		panic(fmt.Sprintf("generate fernet key: %v", err))
	}
	return k.Encode()
}

// ResolveKey decodes configured, or falls back to the key stored in the
// database, generating it on first use.
func ResolveKey(configured string) (*fernet.Key, error) {
	if configured != "" {
		key, err := fernet.DecodeKey(configured)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		return key, nil
	}
	if database.DB == nil {
		return nil, ErrNoKey
	}

	keyStr, err := database.GetSetting(settingKey)
	if err != nil {
		keyStr = GenerateKey()
		if err := database.SetSetting(settingKey, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
	}
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// EncryptPassphrase returns a fernet token for passphrase.
func EncryptPassphrase(configuredKey string, passphrase []byte) (string, error) {
	key, err := ResolveKey(configuredKey)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(passphrase, key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// DecryptPassphrase reverses EncryptPassphrase. An empty token decrypts to
// no passphrase.
func DecryptPassphrase(configuredKey, token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	key, err := ResolveKey(configuredKey)
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// Mask hides all but the last four characters of value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
