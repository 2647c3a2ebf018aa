package keyauth

import (
	"errors"
	"sync"
	"testing"

	"github.com/gluk-w/sshkeyauth/internal/identity"
)

type fakeAccounts map[string]string

func (f fakeAccounts) HomeDir(account string) (string, error) {
	home, ok := f[account]
	if !ok {
		return "", errors.New("unknown user " + account)
	}
	return home, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureRecorder) Record(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// newFileVerifier returns a verifier that only trusts explicitly added keys.
func newFileVerifier(t *testing.T) *Verifier {
	t.Helper()
	v := NewVerifier(VerifierConfig{Account: "tester", DisableAgent: true, DisableAuthorizedKeys: true})
	t.Cleanup(func() { v.Close() })
	return v
}

func newFileSigner(t *testing.T) *Signer {
	t.Helper()
	s := NewSigner(SignerConfig{DisableAgent: true})
	t.Cleanup(func() { s.Close() })
	return s
}

func fingerprints(ids []identity.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Fingerprint()
	}
	return out
}
