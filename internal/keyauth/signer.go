package keyauth

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gluk-w/sshkeyauth/internal/agentconn"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"github.com/gluk-w/sshkeyauth/internal/sshsig"
)

// ErrNoIdentities is returned by Sign when there is nothing to sign with.
var ErrNoIdentities = errors.New("no signing identities")

// SignerConfig configures a Signer.
type SignerConfig struct {
	DisableAgent bool
	Agent        agentconn.Config
	Recorder     Recorder
}

// Signer signs messages with every reachable private key.
type Signer struct {
	mu       sync.Mutex
	useAgent bool
	agent    *agentconn.Conn
	store    identity.Store
	recorder Recorder
}

// NewSigner returns a Signer. The agent is not contacted until identities
// are needed.
func NewSigner(cfg SignerConfig) *Signer {
	return &Signer{
		useAgent: !cfg.DisableAgent,
		agent:    agentconn.New(cfg.Agent),
		recorder: cfg.Recorder,
	}
}

// SetUseAgent turns agent use on or off. Turning it on also re-enables an
// agent connection that was disabled after a failure.
func (s *Signer) SetUseAgent(use bool) {
	s.mu.Lock()
	s.useAgent = use
	s.mu.Unlock()
	if use {
		s.agent.Enable()
	}
}

// AgentState reports the agent connection state.
func (s *Signer) AgentState() agentconn.State {
	return s.agent.State()
}

// AddPrivateKeyFile loads a private key file and adds it.
func (s *Signer) AddPrivateKeyFile(path string, passphrase []byte) error {
	id, err := identity.LoadPrivateKeyFile(path, passphrase)
	if err != nil {
		return err
	}
	s.store.Add(id)
	log.Printf("[signer] added %s", logutil.SanitizeForLog(id.String()))
	return nil
}

// AddIdentity adds id.
func (s *Signer) AddIdentity(id identity.Identity) {
	s.store.Add(id)
}

// SigningIdentities returns the agent's identities (when enabled) followed
// by the added identities.
func (s *Signer) SigningIdentities() []identity.Identity {
	s.mu.Lock()
	useAgent := s.useAgent
	s.mu.Unlock()

	var ids []identity.Identity
	if useAgent {
		ids = append(ids, agentIdentities(s.agent)...)
	}
	return append(ids, s.store.All()...)
}

// Sign signs message once per signing identity. Identities that fail are
// skipped and their errors joined into the returned error; the signatures
// that succeeded are still returned.
func (s *Signer) Sign(message []byte) ([]sshsig.Signature, error) {
	ids := s.SigningIdentities()
	if len(ids) == 0 {
		s.record(Event{Kind: EventSign, Reason: ErrNoIdentities.Error()})
		return nil, ErrNoIdentities
	}

	sigs := make([]sshsig.Signature, 0, len(ids))
	fingerprints := make([]string, 0, len(ids))
	var errs []error
	for _, id := range ids {
		sig, err := id.Sign(message)
		if err != nil {
			log.Printf("[signer] %s: %v", logutil.SanitizeForLog(id.Fingerprint()), err)
			errs = append(errs, fmt.Errorf("%s: %w", id.Fingerprint(), err))
			continue
		}
		sigs = append(sigs, sig)
		fingerprints = append(fingerprints, id.Fingerprint())
	}

	err := errors.Join(errs...)
	ev := Event{
		Kind:         EventSign,
		Identities:   len(ids),
		Fingerprints: fingerprints,
		Success:      len(sigs) > 0,
	}
	if err != nil {
		ev.Details = err.Error()
	}
	s.record(ev)
	return sigs, err
}

// Close releases the agent connection.
func (s *Signer) Close() error {
	return s.agent.Close()
}

func (s *Signer) record(ev Event) {
	if s.recorder != nil {
		s.recorder.Record(ev)
	}
}
