package keyauth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/gluk-w/sshkeyauth/internal/agentconn"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/knownhosts"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"github.com/gluk-w/sshkeyauth/internal/trust"
)

// ErrHostKeyNotFound is returned by AddKeyFromHost when known_hosts has no
// entry for the host.
var ErrHostKeyNotFound = errors.New("host key not found in known_hosts")

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Account whose authorized_keys are trusted. Defaults to the user
	// running the process.
	Account               string
	DisableAgent          bool
	DisableAuthorizedKeys bool
	// AuthorizedKeysPath, when set, is used instead of resolving the path
	// from sshd_config.
	AuthorizedKeysPath string
	SSHDConfigPath     string
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string
	// Cache is shared between verifiers when set; otherwise each Verifier
	// gets its own.
	Cache    *knownhosts.Cache
	Accounts trust.AccountLookup
	Agent    agentconn.Config
	Recorder Recorder
}

// Verifier checks signatures against a trust set.
type Verifier struct {
	mu                 sync.Mutex
	account            string
	useAgent           bool
	useAuthorizedKeys  bool
	authorizedKeysPath string
	knownHostsPath     string

	agent    *agentconn.Conn
	resolver *trust.Resolver
	cache    *knownhosts.Cache
	store    identity.Store
	recorder Recorder
}

// NewVerifier returns a Verifier for cfg.
func NewVerifier(cfg VerifierConfig) *Verifier {
	account := cfg.Account
	if account == "" {
		cur, err := trust.CurrentAccount()
		if err != nil {
			log.Printf("[verifier] %v, authorized_keys will not be consulted", err)
		}
		account = cur
	}
	cache := cfg.Cache
	if cache == nil {
		cache = knownhosts.NewCache(0)
	}
	return &Verifier{
		account:            account,
		useAgent:           !cfg.DisableAgent,
		useAuthorizedKeys:  !cfg.DisableAuthorizedKeys,
		authorizedKeysPath: cfg.AuthorizedKeysPath,
		knownHostsPath:     cfg.KnownHostsPath,
		agent:              agentconn.New(cfg.Agent),
		resolver:           &trust.Resolver{SSHDConfigPath: cfg.SSHDConfigPath, Accounts: cfg.Accounts},
		cache:              cache,
		recorder:           cfg.Recorder,
	}
}

// Account returns the account whose authorized_keys are trusted.
func (v *Verifier) Account() string {
	return v.account
}

// Cache returns the known_hosts cache.
func (v *Verifier) Cache() *knownhosts.Cache {
	return v.cache
}

// KnownHostsPath returns the known_hosts file AddKeyFromHost reads.
func (v *Verifier) KnownHostsPath() (string, error) {
	if v.knownHostsPath != "" {
		return v.knownHostsPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate known_hosts: %w", err)
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// SetUseAgent turns agent use on or off.
func (v *Verifier) SetUseAgent(use bool) {
	v.mu.Lock()
	v.useAgent = use
	v.mu.Unlock()
	if use {
		v.agent.Enable()
	}
}

// SetUseAuthorizedKeys turns the authorized_keys lookup on or off.
func (v *Verifier) SetUseAuthorizedKeys(use bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.useAuthorizedKeys = use
}

// AddPublicKeyFile loads a public key file and trusts it.
func (v *Verifier) AddPublicKeyFile(path string) error {
	id, err := identity.LoadPublicKeyFile(path)
	if err != nil {
		return err
	}
	v.store.Add(id)
	return nil
}

// AddPublicKeyData parses an authorized_keys-format line and trusts it.
func (v *Verifier) AddPublicKeyData(data string) error {
	id, err := identity.ParsePublicKeyData(data)
	if err != nil {
		return err
	}
	v.store.Add(id)
	return nil
}

// AddKeyFromHost trusts the key known_hosts lists for host.
func (v *Verifier) AddKeyFromHost(host string) error {
	path, err := v.KnownHostsPath()
	if err != nil {
		return err
	}
	key, ok, err := v.cache.Lookup(path, host)
	if err != nil {
		return fmt.Errorf("read known_hosts %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostKeyNotFound, host)
	}
	v.store.Add(key)
	return nil
}

// AddIdentity trusts id.
func (v *Verifier) AddIdentity(id identity.Identity) {
	v.store.Add(id)
}

// VerifyingIdentities returns the agent's identities, then the account's
// authorized_keys, then the added identities.
func (v *Verifier) VerifyingIdentities() []identity.Identity {
	v.mu.Lock()
	useAgent, useAuthorizedKeys := v.useAgent, v.useAuthorizedKeys
	v.mu.Unlock()

	var ids []identity.Identity
	if useAgent {
		ids = append(ids, agentIdentities(v.agent)...)
	}
	if useAuthorizedKeys {
		switch {
		case v.authorizedKeysPath != "":
			ids = append(ids, trust.AuthorizedKeysFromPath(v.authorizedKeysPath)...)
		case v.account != "":
			ids = append(ids, v.resolver.AuthorizedKeys(v.account)...)
		}
	}
	return append(ids, v.store.All()...)
}

// Verify checks every signature in set against every verifying identity.
func (v *Verifier) Verify(set SignatureSet, original []byte) Results {
	ids := v.VerifyingIdentities()
	res := v.verify(set, original, ids)
	v.recordResults(res, len(ids))
	return res
}

func (v *Verifier) verify(set SignatureSet, original []byte, ids []identity.Identity) Results {
	if len(ids) == 0 {
		return Results{Reason: ReasonNoIdentities}
	}
	if set.Len() == 0 {
		return Results{Reason: ReasonNoSignatures}
	}

	out := Results{Reason: ReasonNotVerified, Results: make([]Result, 0, set.Len()*len(ids))}
	for i := 0; i < set.Len(); i++ {
		for _, id := range ids {
			ok := id.Verify(original, set.candidate(i, id))
			out.Results = append(out.Results, Result{Signature: i, Blob: set.blob(i), Identity: id, Verified: ok})
			if ok {
				out.Reason = ReasonVerified
			}
		}
	}
	return out
}

// VerifyAny reports whether any signature in set verifies against any
// verifying identity. It stops at the first match.
func (v *Verifier) VerifyAny(set SignatureSet, original []byte) bool {
	ids := v.VerifyingIdentities()
	for i := 0; i < set.Len(); i++ {
		for _, id := range ids {
			if id.Verify(original, set.candidate(i, id)) {
				v.record(Event{
					Kind:         EventVerify,
					Account:      v.account,
					Identities:   len(ids),
					Fingerprints: []string{id.Fingerprint()},
					Success:      true,
					Reason:       string(ReasonVerified),
				})
				return true
			}
		}
	}
	reason := ReasonNotVerified
	switch {
	case len(ids) == 0:
		reason = ReasonNoIdentities
	case set.Len() == 0:
		reason = ReasonNoSignatures
	}
	v.record(Event{Kind: EventVerify, Account: v.account, Identities: len(ids), Reason: string(reason)})
	return false
}

// Close releases the agent connection.
func (v *Verifier) Close() error {
	return v.agent.Close()
}

func (v *Verifier) recordResults(res Results, n int) {
	if !res.Verified() {
		log.Printf("[verifier] %s for account %s (%d identities)", res.Reason, logutil.SanitizeForLog(v.account), n)
	}
	if v.recorder == nil {
		return
	}
	var fps []string
	for _, m := range res.Matches() {
		fps = append(fps, m.Identity.Fingerprint())
	}
	v.record(Event{
		Kind:         EventVerify,
		Account:      v.account,
		Identities:   n,
		Fingerprints: fps,
		Success:      res.Verified(),
		Reason:       string(res.Reason),
	})
}

func (v *Verifier) record(ev Event) {
	if v.recorder != nil {
		v.recorder.Record(ev)
	}
}
